// Package alerts delivers provider budget notifications to external systems.
package alerts

import (
	"context"
	"time"
)

// AlertLevel indicates how close a provider is to its spend limit.
type AlertLevel string

const (
	AlertNone     AlertLevel = ""
	AlertWarning  AlertLevel = "warning"  // at or above the configured threshold
	AlertCritical AlertLevel = "critical" // at or above 95% of the limit
	AlertExceeded AlertLevel = "exceeded" // limit reached, provider no longer admitted
)

// CriticalPct is the usage percentage that raises a critical alert.
const CriticalPct = 95.0

// LevelFor returns the alert level for spend against limit given the
// warning threshold in percent. A non-positive limit yields AlertNone.
func LevelFor(spend, limit, thresholdPct float64) AlertLevel {
	if limit <= 0 {
		return AlertNone
	}
	pct := spend / limit * 100
	switch {
	case pct >= 100:
		return AlertExceeded
	case pct >= CriticalPct:
		return AlertCritical
	case thresholdPct > 0 && pct >= thresholdPct:
		return AlertWarning
	default:
		return AlertNone
	}
}

// Rank orders levels by severity so callers can detect escalation.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertWarning:
		return 1
	case AlertCritical:
		return 2
	case AlertExceeded:
		return 3
	default:
		return 0
	}
}

// Alert is a provider budget threshold notification.
type Alert struct {
	Level         AlertLevel `json:"level"`
	Provider      string     `json:"provider"`
	Period        string     `json:"period"`
	WindowSeconds int64      `json:"window_seconds"`
	LimitUSD      float64    `json:"limit_usd"`
	CurrentSpend  float64    `json:"current_spend"`
	ThresholdPct  float64    `json:"threshold_pct"`
	ObservedAt    time.Time  `json:"observed_at"`
	Message       string     `json:"message"`
}

// RemainingUSD returns the spend left before the limit, never below zero.
func (a Alert) RemainingUSD() float64 {
	return max(a.LimitUSD-a.CurrentSpend, 0)
}

// ResetsBy is the latest time the period's counter can expire. The window
// opens at the first recorded spend, so the actual reset may come earlier.
// It is zero when the window or observation time is unknown.
func (a Alert) ResetsBy() time.Time {
	if a.WindowSeconds <= 0 || a.ObservedAt.IsZero() {
		return time.Time{}
	}
	return a.ObservedAt.Add(time.Duration(a.WindowSeconds) * time.Second)
}

// UsagePct returns CurrentSpend as a percentage of LimitUSD.
func (a Alert) UsagePct() float64 {
	if a.LimitUSD <= 0 {
		return 0
	}
	return a.CurrentSpend / a.LimitUSD * 100
}

// Notifier sends alerts to external systems.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers an alert. Implementations must be safe for concurrent use.
	Send(ctx context.Context, alert Alert) error
}
