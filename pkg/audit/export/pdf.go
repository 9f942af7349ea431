package export

import (
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/border"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"

	"github.com/inventiv/fleet/pkg/audit"
)

var (
	headerColor = &props.Color{Red: 44, Green: 62, Blue: 80}
	failColor   = &props.Color{Red: 231, Green: 76, Blue: 60}
	okColor     = &props.Color{Red: 39, Green: 174, Blue: 96}

	titleStyle = props.Text{Size: 18, Style: fontstyle.Bold, Align: align.Center, Color: headerColor}
	metaStyle  = props.Text{Size: 9, Color: &props.Color{Red: 127, Green: 140, Blue: 141}}

	headTextStyle = props.Text{Size: 8, Style: fontstyle.Bold, Color: &props.Color{Red: 255, Green: 255, Blue: 255}, Align: align.Center}
	headCellStyle = &props.Cell{BackgroundColor: headerColor}

	cellStyle     = &props.Cell{BorderType: border.Bottom, BorderColor: &props.Color{Red: 236, Green: 240, Blue: 241}}
	cellTextStyle = props.Text{Size: 8, Align: align.Left}
)

// RenderPDF renders entries as a PDF table, one row per Action Log entry.
func RenderPDF(entries []*audit.Entry, w Window) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber().
		WithLeftMargin(10).
		WithTopMargin(10).
		WithRightMargin(10).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12, text.NewCol(12, "Action Log Export", titleStyle))
	m.AddRow(5, line.NewCol(12))
	m.AddRow(6,
		text.NewCol(6, fmt.Sprintf("Window: %s", windowLabel(w)), metaStyle),
		text.NewCol(6, fmt.Sprintf("Entries: %d", len(entries)), props.Text{Size: 9, Align: align.Right, Color: metaStyle.Color}),
	)
	m.AddRow(8)

	m.AddRow(7,
		text.NewCol(2, "Timestamp", headTextStyle).WithStyle(headCellStyle),
		text.NewCol(2, "Service", headTextStyle).WithStyle(headCellStyle),
		text.NewCol(2, "Method", headTextStyle).WithStyle(headCellStyle),
		text.NewCol(2, "Action", headTextStyle).WithStyle(headCellStyle),
		text.NewCol(1, "Outcome", headTextStyle).WithStyle(headCellStyle),
		text.NewCol(2, "Resource", headTextStyle).WithStyle(headCellStyle),
		text.NewCol(1, "Duration", headTextStyle).WithStyle(headCellStyle),
	)

	for _, e := range entries {
		outcomeStyle := cellTextStyle
		switch e.Outcome {
		case audit.OutcomeFailure, audit.OutcomeDenied:
			outcomeStyle.Color = failColor
		case audit.OutcomeSuccess:
			outcomeStyle.Color = okColor
		}

		m.AddRow(6,
			text.NewCol(2, e.Timestamp.Format("01-02 15:04:05"), cellTextStyle).WithStyle(cellStyle),
			text.NewCol(2, e.Service, cellTextStyle).WithStyle(cellStyle),
			text.NewCol(2, e.Method, cellTextStyle).WithStyle(cellStyle),
			text.NewCol(2, string(e.Action), cellTextStyle).WithStyle(cellStyle),
			text.NewCol(1, string(e.Outcome), outcomeStyle).WithStyle(cellStyle),
			text.NewCol(2, e.ResourceID, cellTextStyle).WithStyle(cellStyle),
			text.NewCol(1, fmt.Sprintf("%dms", e.DurationMs), cellTextStyle).WithStyle(cellStyle),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("export: generate pdf: %w", err)
	}
	return doc.GetBytes(), nil
}

func windowLabel(w Window) string {
	start, end := "open", "open"
	if !w.Start.IsZero() {
		start = w.Start.Format("2006-01-02 15:04")
	}
	if !w.End.IsZero() {
		end = w.End.Format("2006-01-02 15:04")
	}
	return fmt.Sprintf("%s .. %s", start, end)
}
