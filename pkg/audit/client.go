package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	deepcopy "github.com/tiendc/go-deepcopy"

	"github.com/inventiv/fleet/pkg/database"
	"github.com/inventiv/fleet/pkg/logger"
)

// PostgresLogger implements the Action Log (§4.9) directly against the
// `action_log` table through pkg/database. There is no separate audit
// microservice in this design: entries are buffered and flushed in batches
// for the same reasons the teacher buffered calls to its external audit
// service, but the sink is a local table instead of a gRPC peer.
type PostgresLogger struct {
	db     database.DB
	config *PostgresLoggerConfig
	buffer chan *Entry
	done   chan struct{}
	wg     sync.WaitGroup
}

// PostgresLoggerConfig controls the PostgresLogger's buffering behavior.
type PostgresLoggerConfig struct {
	BufferSize  int           // Size of the internal buffer for audit entries.
	BatchSize   int           // Maximum number of entries flushed in a single statement.
	FlushPeriod time.Duration // Period after which buffered entries are flushed.
}

// DefaultPostgresLoggerConfig returns the default PostgresLogger configuration.
func DefaultPostgresLoggerConfig() *PostgresLoggerConfig {
	return &PostgresLoggerConfig{
		BufferSize:  10000,
		BatchSize:   100,
		FlushPeriod: 5 * time.Second,
	}
}

// NewPostgresLogger builds a PostgresLogger writing to the action_log table
// reachable through db, and starts its background flush loop.
func NewPostgresLogger(db database.DB, cfg *PostgresLoggerConfig) *PostgresLogger {
	if cfg == nil {
		cfg = DefaultPostgresLoggerConfig()
	}

	l := &PostgresLogger{
		db:     db,
		config: cfg,
		buffer: make(chan *Entry, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.processLoop()

	return l
}

// Log buffers entry for asynchronous insertion, falling back to a
// synchronous insert when the buffer is full.
func (l *PostgresLogger) Log(ctx context.Context, entry *Entry) error {
	select {
	case l.buffer <- entry:
		return nil
	default:
		return l.insertBatch(ctx, []*Entry{entry})
	}
}

// Query returns Action Log entries matching filter, most recent first.
func (l *PostgresLogger) Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error) {
	sql := `
		SELECT id, created_at, service, method, action, outcome,
		       user_id, username, client_ip, user_agent, resource,
		       resource_id, request_id, duration_ms, error_code,
		       error_message, metadata
		FROM action_log
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		  AND ($3 = '' OR service = $3)
		  AND ($4 = '' OR method = $4)
		  AND ($5 = '' OR action = $5)
		  AND ($6 = '' OR outcome = $6)
		  AND ($7 = '' OR user_id = $7)
		  AND ($8 = '' OR resource = $8)
		  AND ($9 = '' OR resource_id = $9)
		ORDER BY created_at DESC
		LIMIT $10 OFFSET $11
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.Query(ctx, sql,
		filter.StartTime, filter.EndTime,
		filter.Service, filter.Method, string(filter.Action), string(filter.Outcome),
		filter.UserID, filter.Resource, filter.ResourceID,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query action log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action log row: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Close flushes any buffered entries and stops the background loop.
func (l *PostgresLogger) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *PostgresLogger) processLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushPeriod)
	defer ticker.Stop()

	batch := make([]*Entry, 0, l.config.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.insertBatch(context.Background(), batch); err != nil {
			logger.Log.Warn("failed to flush action log batch", "error", err, "count", len(batch))
		}
		batch = make([]*Entry, 0, l.config.BatchSize)
	}

	for {
		select {
		case <-l.done:
			for {
				select {
				case entry := <-l.buffer:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}

		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= l.config.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

func (l *PostgresLogger) insertBatch(ctx context.Context, entries []*Entry) error {
	for _, e := range entries {
		metadataJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		var completedAt *time.Time
		if e.Outcome != OutcomeInProgress {
			now := time.Now()
			completedAt = &now
		}

		_, err = l.db.Exec(ctx, `
			INSERT INTO action_log (
				id, created_at, completed_at, service, method, action, outcome,
				user_id, username, client_ip, user_agent, resource,
				resource_id, request_id, duration_ms, error_code,
				error_message, metadata
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (id) DO UPDATE SET
				completed_at = EXCLUDED.completed_at,
				outcome = EXCLUDED.outcome,
				duration_ms = EXCLUDED.duration_ms,
				error_code = EXCLUDED.error_code,
				error_message = EXCLUDED.error_message,
				metadata = action_log.metadata || EXCLUDED.metadata
		`,
			e.ID, e.Timestamp, completedAt, e.Service, e.Method, string(e.Action), string(e.Outcome),
			e.UserID, e.Username, e.ClientIP, e.UserAgent, e.Resource,
			e.ResourceID, e.RequestID, e.DurationMs, e.ErrorCode,
			e.ErrorMessage, metadataJSON,
		)
		if err != nil {
			return fmt.Errorf("insert action log entry %s: %w", e.ID, err)
		}
	}

	return nil
}

// mergeMetadata deep-copies extra before merging it into entry's metadata,
// so a completion call can never alias a map the caller still holds (§4.9
// log_complete_with_metadata).
func mergeMetadata(entry *Entry, extra map[string]any) error {
	if len(extra) == 0 {
		return nil
	}

	var copied map[string]any
	if err := deepcopy.Copy(&copied, &extra); err != nil {
		return fmt.Errorf("deep-copy metadata: %w", err)
	}

	if entry.Metadata == nil {
		entry.Metadata = make(map[string]any, len(copied))
	}
	for k, v := range copied {
		entry.Metadata[k] = v
	}

	return nil
}

func scanEntry(rows pgx.Rows) (*Entry, error) {
	e := &Entry{}
	var action, outcome string
	var metadataJSON []byte

	if err := rows.Scan(
		&e.ID, &e.Timestamp, &e.Service, &e.Method, &action, &outcome,
		&e.UserID, &e.Username, &e.ClientIP, &e.UserAgent, &e.Resource,
		&e.ResourceID, &e.RequestID, &e.DurationMs, &e.ErrorCode,
		&e.ErrorMessage, &metadataJSON,
	); err != nil {
		return nil, err
	}

	e.Action = Action(action)
	e.Outcome = Outcome(outcome)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return e, nil
}
