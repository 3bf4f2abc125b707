package modqueue

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func TestPriority_SeverityWeights(t *testing.T) {
	tests := []struct {
		severity Severity
		want     int
	}{
		{SeverityLow, 10},
		{SeverityMedium, 20},
		{SeverityHigh, 30},
		{SeverityCritical, 40},
	}
	for _, tt := range tests {
		item := &Item{Severity: tt.severity, ReportCount: 1, EnqueuedAt: testNow}
		if got := Priority(item, 0, testNow); got != tt.want {
			t.Errorf("severity %s: got %d, want %d", tt.severity, got, tt.want)
		}
	}
}

func TestPriority_FullyLoadedPhotoItem(t *testing.T) {
	// high severity, 3 warnings, 10 reports, 25h in queue, photo.
	item := &Item{
		Severity:    SeverityHigh,
		ReportCount: 10,
		ContentType: ContentTypePhoto,
		EnqueuedAt:  testNow.Add(-25 * time.Hour),
	}

	got := Priority(item, 3, testNow)
	// 30 + 20 + 20 + 15 + 5 = 90.
	if got != 90 {
		t.Errorf("expected priority 90, got %d", got)
	}
	if LevelFor(got) != PriorityCritical {
		t.Errorf("expected critical level, got %s", LevelFor(got))
	}
}

func TestPriority_Bounds(t *testing.T) {
	severities := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for _, sev := range severities {
		for warnings := 0; warnings <= 4; warnings++ {
			for reports := 0; reports <= 12; reports += 3 {
				for hours := 0; hours <= 30; hours += 6 {
					item := &Item{
						Severity:    sev,
						ReportCount: reports,
						ContentType: ContentTypePhoto,
						EnqueuedAt:  testNow.Add(-time.Duration(hours) * time.Hour),
					}
					p := Priority(item, warnings, testNow)
					if p < 0 || p > 100 {
						t.Fatalf("priority out of bounds: %d (sev=%s warnings=%d reports=%d hours=%d)",
							p, sev, warnings, reports, hours)
					}
				}
			}
		}
	}
}

func TestPriority_MonotonicInQueueAge(t *testing.T) {
	item := &Item{Severity: SeverityMedium, ReportCount: 4, EnqueuedAt: testNow}

	prev := -1
	for hours := 0; hours <= 24; hours++ {
		p := Priority(item, 1, testNow.Add(time.Duration(hours)*time.Hour))
		if p < prev {
			t.Fatalf("priority decreased with age at %dh: %d -> %d", hours, prev, p)
		}
		prev = p
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		priority int
		want     PriorityLevel
	}{
		{0, PriorityLow},
		{24, PriorityLow},
		{25, PriorityMedium},
		{49, PriorityMedium},
		{50, PriorityHigh},
		{74, PriorityHigh},
		{75, PriorityCritical},
		{100, PriorityCritical},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.priority); got != tt.want {
			t.Errorf("LevelFor(%d) = %s, want %s", tt.priority, got, tt.want)
		}
	}
}

func TestSeverityNext(t *testing.T) {
	tests := []struct {
		in, want Severity
	}{
		{SeverityLow, SeverityMedium},
		{SeverityMedium, SeverityHigh},
		{SeverityHigh, SeverityCritical},
		{SeverityCritical, SeverityCritical},
	}
	for _, tt := range tests {
		if got := tt.in.Next(); got != tt.want {
			t.Errorf("%s.Next() = %s, want %s", tt.in, got, tt.want)
		}
	}
}
