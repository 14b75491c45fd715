// internal/batch/aggregate.go
package batch

import (
	"fmt"

	"api-manager/internal/models"
)

const (
	RowSuccess = "success"
	RowError   = "error"
)

// Aggregate folds a summary into its display form. It is a pure function of
// its input: outcome order is preserved and every failure is listed.
func Aggregate(s models.Summary) models.Report {
	return AggregateAs(s, "devices")
}

// AggregateAs is Aggregate with a different entity noun in the message,
// e.g. "time blocks".
func AggregateAs(s models.Summary, noun string) models.Report {
	report := models.Report{
		RunID:      s.RunID,
		Operation:  s.Operation,
		Total:      s.Total,
		Cancelled:  s.Cancelled,
		Rows:       make([]models.ReportRow, 0, len(s.Outcomes)),
		Errors:     []models.ReportError{},
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}

	for i, o := range s.Outcomes {
		row := models.ReportRow{
			Position: i + 1,
			EntityID: o.EntityID,
			Status:   RowSuccess,
		}
		if o.Success {
			report.Success++
			if len(o.Result) > 0 {
				row.Result = append([]byte(nil), o.Result...)
			}
		} else {
			report.Failure++
			row.Status = RowError
			row.Detail = o.Error
			report.Errors = append(report.Errors, models.ReportError{EntityID: o.EntityID, Error: o.Error})
		}
		report.Rows = append(report.Rows, row)
	}

	report.Message = fmt.Sprintf("%d/%d %s processed", report.Success, report.Total, noun)
	if s.Cancelled {
		report.Message += fmt.Sprintf(" (cancelled after %d)", len(s.Outcomes))
	}
	return report
}

// NoEntities is the report for a run that found nothing to process.
func NoEntities(operation, date string) models.Report {
	return models.Report{
		Operation: operation,
		Message:   fmt.Sprintf("no devices with data for %s", date),
		Rows:      []models.ReportRow{},
		Errors:    []models.ReportError{},
	}
}
