// Package sla holds the pure deadline policy and SLA status function used by
// safety event intake and the escalation worker.
package sla

import (
	"time"

	"github.com/Tonytony5278/narc-sub001/models"
)

// Deadline offsets per severity.
const (
	CriticalWindow = time.Hour
	HighWindow     = 4 * time.Hour
	MediumWindow   = 24 * time.Hour
	LowWindow      = 7 * 24 * time.Hour
)

// Offset returns the SLA window for a severity. An unrecognized severity
// falls back to the low (most lenient) window and reports known=false so the
// caller can surface the data-quality problem.
func Offset(severity models.Severity) (offset time.Duration, known bool) {
	switch severity {
	case models.SeverityCritical:
		return CriticalWindow, true
	case models.SeverityHigh:
		return HighWindow, true
	case models.SeverityMedium:
		return MediumWindow, true
	case models.SeverityLow:
		return LowWindow, true
	default:
		return LowWindow, false
	}
}

// Deadline returns detectedAt plus the window for severity
func Deadline(severity models.Severity, detectedAt time.Time) time.Time {
	offset, _ := Offset(severity)
	return detectedAt.Add(offset)
}
