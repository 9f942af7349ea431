package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/inventiv/fleet/pkg/audit"
)

const actionLogSheet = "Action Log"

// RenderXLSX renders entries as a single-sheet XLSX workbook, one row per
// Action Log entry.
func RenderXLSX(entries []*audit.Entry, w Window) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	f.NewSheet(actionLogSheet)
	f.DeleteSheet("Sheet1")

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"2C3E50"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("export: build header style: %w", err)
	}

	f.SetCellValue(actionLogSheet, "A1", fmt.Sprintf("Action Log Export (%s)", windowLabel(w)))
	f.MergeCell(actionLogSheet, "A1", "H1")

	headers := []string{"Timestamp", "Service", "Method", "Action", "Outcome", "Resource", "Resource ID", "Duration (ms)", "Error Code", "Error Message"}
	for i, h := range headers {
		f.SetCellValue(actionLogSheet, cellAddr(i, 3), h)
	}
	f.SetCellStyle(actionLogSheet, cellAddr(0, 3), cellAddr(len(headers)-1, 3), headerStyle)

	row := 4
	for _, e := range entries {
		f.SetCellValue(actionLogSheet, cellAddr(0, row), e.Timestamp.Format("2006-01-02 15:04:05"))
		f.SetCellValue(actionLogSheet, cellAddr(1, row), e.Service)
		f.SetCellValue(actionLogSheet, cellAddr(2, row), e.Method)
		f.SetCellValue(actionLogSheet, cellAddr(3, row), string(e.Action))
		f.SetCellValue(actionLogSheet, cellAddr(4, row), string(e.Outcome))
		f.SetCellValue(actionLogSheet, cellAddr(5, row), e.Resource)
		f.SetCellValue(actionLogSheet, cellAddr(6, row), e.ResourceID)
		f.SetCellValue(actionLogSheet, cellAddr(7, row), e.DurationMs)
		f.SetCellValue(actionLogSheet, cellAddr(8, row), e.ErrorCode)
		f.SetCellValue(actionLogSheet, cellAddr(9, row), e.ErrorMessage)
		row++
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("export: write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// cellAddr builds an A1-style cell address from a zero-based column index
// and a one-based row index.
func cellAddr(col, row int) string {
	name, err := excelize.ColumnNumberToName(col + 1)
	if err != nil {
		name = "A"
	}
	return fmt.Sprintf("%s%d", name, row)
}
