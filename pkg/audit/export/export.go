// Package export renders a window of Action Log entries (§4.9) to PDF or
// XLSX for operator/compliance review. It is a read-only consumer of
// pkg/audit's Logger.Query; it never writes entries.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/inventiv/fleet/pkg/audit"
)

// Window bounds and filters the Action Log entries an export covers.
type Window struct {
	Start      time.Time
	End        time.Time
	Service    string
	Action     audit.Action
	Outcome    audit.Outcome
	ResourceID string
	Limit      int
}

// DefaultLimit caps how many entries a single export pulls when Window.Limit
// is unset, so an unbounded window can't accidentally render a
// multi-gigabyte document.
const DefaultLimit = 5000

// Fetch queries log for the entries in w, most recent first.
func Fetch(ctx context.Context, log audit.Logger, w Window) ([]*audit.Entry, error) {
	limit := w.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	filter := &audit.QueryFilter{
		Service:    w.Service,
		Action:     w.Action,
		Outcome:    w.Outcome,
		ResourceID: w.ResourceID,
		Limit:      limit,
	}
	if !w.Start.IsZero() {
		filter.StartTime = &w.Start
	}
	if !w.End.IsZero() {
		filter.EndTime = &w.End
	}

	entries, err := log.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("export: query action log: %w", err)
	}
	return entries, nil
}
