package modqueue

import "time"

// PriorityLevel is the coarse bucket derived from the numeric priority.
type PriorityLevel string

const (
	PriorityCritical PriorityLevel = "critical"
	PriorityHigh     PriorityLevel = "high"
	PriorityMedium   PriorityLevel = "medium"
	PriorityLow      PriorityLevel = "low"
)

// severityWeights allocates the 40-point severity band.
var severityWeights = map[Severity]int{
	SeverityLow:      10,
	SeverityMedium:   20,
	SeverityHigh:     30,
	SeverityCritical: 40,
}

// Priority computes the 0..100 review priority for an item. It is a
// pure function of the item's fields, the subject's warning count and
// the clock; callers pass now explicitly so ageing stays testable.
func Priority(item *Item, warningCount int, now time.Time) int {
	p := severityWeights[item.Severity]

	switch {
	case warningCount >= 3:
		p += 20
	case warningCount >= 2:
		p += 15
	case warningCount >= 1:
		p += 10
	}

	switch {
	case item.ReportCount >= 10:
		p += 20
	case item.ReportCount >= 5:
		p += 15
	case item.ReportCount >= 3:
		p += 10
	case item.ReportCount >= 2:
		p += 5
	}

	hours := now.Sub(item.EnqueuedAt).Hours()
	switch {
	case hours >= 24: // SLA breach
		p += 15
	case hours >= 12:
		p += 10
	case hours >= 6:
		p += 5
	}

	if item.ContentType == ContentTypePhoto {
		p += 5
	}

	if p > 100 {
		p = 100
	}
	return p
}

// LevelFor buckets a numeric priority.
func LevelFor(priority int) PriorityLevel {
	switch {
	case priority >= 75:
		return PriorityCritical
	case priority >= 50:
		return PriorityHigh
	case priority >= 25:
		return PriorityMedium
	}
	return PriorityLow
}
