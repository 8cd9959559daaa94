package artifact

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// WriteXLSX renders a report as a spreadsheet with a summary and an items sheet.
func WriteXLSX(r *Report, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	const summary = "Summary"
	const items = "Items"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return err
	}
	if _, err := f.NewSheet(items); err != nil {
		return err
	}

	rows := [][]any{
		{"Job", r.JobID},
		{"Report", r.ID},
		{"Created", r.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Artifact hash", r.Hash},
		{"Manifest", r.ManifestPath},
		{"Matched", r.Summary.Matched},
		{"Missing", r.Summary.Missing},
		{"Extra", r.Summary.Extra},
		{"Mismatched", r.Summary.Mismatched},
		{"Total in manifest", r.Summary.TotalManifest},
		{"Total extracted", r.Summary.TotalExtracted},
	}
	for i, w := range r.Warnings {
		rows = append(rows, []any{fmt.Sprintf("Warning %d", i+1), w})
	}
	for i, row := range rows {
		for j, v := range row {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+1)
			_ = f.SetCellValue(summary, cell, v)
		}
	}
	_ = f.SetColWidth(summary, "A", "A", 20)
	_ = f.SetColWidth(summary, "B", "B", 72)

	headers := []string{"Filename", "Status", "Expected hash", "Actual hash", "Expected bytes", "Actual bytes"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(items, cell, h)
	}
	for i, it := range r.Items {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(items, cell, v)
		}
		write(1, it.Filename)
		write(2, string(it.Status))
		if it.ExpectedHash != nil {
			write(3, *it.ExpectedHash)
		}
		if it.ActualHash != nil {
			write(4, *it.ActualHash)
		}
		if it.ExpectedBytes != nil {
			write(5, *it.ExpectedBytes)
		}
		if it.ActualBytes != nil {
			write(6, *it.ActualBytes)
		}
	}
	_ = f.SetColWidth(items, "A", "A", 32)
	_ = f.SetColWidth(items, "B", "B", 12)
	_ = f.SetColWidth(items, "C", "D", 68)
	_ = f.SetColWidth(items, "E", "F", 14)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
