package httpapi

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/torigood/PulseCall/internal/models"
)

// CallHistoryExportHeader column order of the attempt history workbook.
var CallHistoryExportHeader = []string{
	"Attempt ID",
	"State",
	"Retry Count",
	"Max Retries",
	"External Call ID",
	"Triage Classification",
	"Triage Reason",
	"Escalation Reason",
	"Summary",
	"Sentiment",
	"Detected Flags",
	"Recommended Action",
	"Superseded By",
	"Next Retry At",
	"Started At",
	"Ended At",
	"Created At",
}

var callHistoryColumnWidths = []float64{
	38, 14, 12, 12, 24, 22, 40, 40, 60, 10, 24, 20, 38, 20, 20, 20, 20,
}

const callHistorySheet = "Call History"

// GenerateCallHistoryExport renders attempts, in the given order, as an xlsx workbook.
func GenerateCallHistoryExport(attempts []*models.CallAttempt) ([]byte, error) {
	f := excelize.NewFile()
	// closed after WriteTo

	index, err := f.NewSheet(callHistorySheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range CallHistoryExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(callHistorySheet, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(callHistorySheet, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}

		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(callHistorySheet, name, name, callHistoryColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, a := range attempts {
		row := i + 2
		for col, value := range callHistoryRow(a) {
			if value == nil || value == "" {
				continue
			}
			if err := setCellValue(f, callHistorySheet, col+1, row, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	if err := f.SetPanes(callHistorySheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// callHistoryRow values in CallHistoryExportHeader order.
func callHistoryRow(a *models.CallAttempt) []any {
	var sentiment any
	if a.SentimentScore != nil {
		sentiment = *a.SentimentScore
	}
	return []any{
		a.AttemptID,
		string(a.State),
		a.RetryCount,
		a.MaxRetries,
		deref(a.ExternalCallID),
		deref(a.TriageClassification),
		deref(a.TriageReason),
		deref(a.EscalationReason),
		deref(a.Summary),
		sentiment,
		strings.Join(a.DetectedFlags, ", "),
		deref(a.RecommendedAction),
		deref(a.SupersededBy),
		formatTime(a.NextRetryAt),
		formatTime(a.StartedAt),
		formatTime(a.EndedAt),
		formatTime(&a.CreatedAt),
	}
}

func setCellValue(f *excelize.File, sheet string, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
