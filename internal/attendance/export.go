package attendance

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const rosterSheet = "Attendance"

var rosterHeaders = []string{"Student", "Status", "Marked at (UTC)", "Latitude", "Longitude", "Source IP"}

// WriteXLSX writes a session roster as a spreadsheet with a summary row.
func WriteXLSX(w io.Writer, title string, records []Record) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(rosterSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	f.SetCellValue(rosterSheet, "A1", title)
	for i, h := range rosterHeaders {
		f.SetCellValue(rosterSheet, fmt.Sprintf("%c2", 'A'+i), h)
	}

	var stats Stats
	for idx, rec := range records {
		row := idx + 3
		f.SetCellValue(rosterSheet, fmt.Sprintf("A%d", row), rec.StudentID)
		f.SetCellValue(rosterSheet, fmt.Sprintf("B%d", row), string(rec.Status))
		f.SetCellValue(rosterSheet, fmt.Sprintf("C%d", row), rec.MarkedAt.UTC().Format(time.DateTime))
		if rec.Location != nil {
			f.SetCellValue(rosterSheet, fmt.Sprintf("D%d", row), rec.Location.Lat)
			f.SetCellValue(rosterSheet, fmt.Sprintf("E%d", row), rec.Location.Lon)
		}
		f.SetCellValue(rosterSheet, fmt.Sprintf("F%d", row), rec.SourceIP)
		stats.add(rec.Status, 1)
	}
	stats.rate()

	summary := len(records) + 4
	f.SetCellValue(rosterSheet, fmt.Sprintf("A%d", summary), "Attendance rate (%)")
	f.SetCellValue(rosterSheet, fmt.Sprintf("B%d", summary), stats.AttendanceRate)

	f.SetColWidth(rosterSheet, "A", "A", 24)
	f.SetColWidth(rosterSheet, "B", "B", 10)
	f.SetColWidth(rosterSheet, "C", "C", 20)
	f.SetColWidth(rosterSheet, "F", "F", 16)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
