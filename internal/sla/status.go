package sla

import (
	"time"

	"github.com/Tonytony5278/narc-sub001/models"
)

// Escalation levels.
const (
	LevelNone     = 0
	LevelWarning  = 1
	LevelUrgent   = 2
	LevelBreached = 3
)

// Elapsed-fraction thresholds of the SLA window.
const (
	warningThreshold = 0.50
	urgentThreshold  = 0.75
	breachThreshold  = 1.0
)

// ComputeStatus maps elapsed time within the SLA window to a status and
// escalation level. Resolution always wins, including over a prior breach.
// The function has no side effects; identical inputs give identical outputs.
func ComputeStatus(detectedAt, deadlineAt time.Time, resolved bool, now time.Time) (models.SLAStatus, int) {
	if resolved {
		return models.SLAStatusMet, LevelNone
	}

	window := deadlineAt.Sub(detectedAt)
	if window <= 0 {
		// degenerate window: the deadline is already behind detection
		return models.SLAStatusBreached, LevelBreached
	}

	pct := float64(now.Sub(detectedAt)) / float64(window)
	switch {
	case pct >= breachThreshold:
		return models.SLAStatusBreached, LevelBreached
	case pct >= urgentThreshold:
		return models.SLAStatusAtRisk, LevelUrgent
	case pct >= warningThreshold:
		return models.SLAStatusAtRisk, LevelWarning
	default:
		return models.SLAStatusOnTrack, LevelNone
	}
}

// AlertEdge reports whether a transition should notify: entering at_risk
// from on_track, or entering breached from anything else.
func AlertEdge(prev, next models.SLAStatus) bool {
	if prev == next {
		return false
	}
	if next == models.SLAStatusBreached {
		return true
	}
	return prev == models.SLAStatusOnTrack && next == models.SLAStatusAtRisk
}
