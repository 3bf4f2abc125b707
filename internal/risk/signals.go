package risk

import (
	"fmt"
	"strings"
	"time"
)

// Signal point caps. The additive model sums these contributions and caps
// the total at 100. The tables were tuned empirically; change them through
// product review, not in passing.
const (
	maxRefundPoints      = 30
	maxValidationPoints  = 20
	maxAccountAgePoints  = 15
	maxJailbreakPoints   = 25
	maxPromoPoints       = 20
	rapidCyclePoints     = 30
	fraudAttemptUnit     = 25
	fraudAttemptCap      = 3
	maxVelocityPoints    = 20
	maxDeviceSharePoints = 15
	maxBehavioralPoints  = 15
	behavioralIncomplete = 7
	behavioralHighValue  = 8
	behavioralNoActivity = 5
)

// Thresholds are the tunable signal sub-thresholds. Loaded once at
// startup; never mutated afterwards.
type Thresholds struct {
	// Velocity caps for purchase events per subject.
	HourlyPurchaseMax int
	DailyPurchaseMax  int

	// Purchases at or above this amount count as high-value.
	HighValueUSD float64

	// Distinct subjects seen on one device fingerprint.
	DeviceShareHigh     int // above this: full points
	DeviceShareModerate int // above this: reduced points
}

// DefaultThresholds returns the production signal thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HourlyPurchaseMax:   5,
		DailyPurchaseMax:    20,
		HighValueUSD:        50,
		DeviceShareHigh:     3,
		DeviceShareModerate: 2,
	}
}

// Jailbreak indicator weights; capped at 1.0.
const (
	jailbreakWeightBundle  = 0.4
	jailbreakWeightEnv     = 0.3
	jailbreakWeightReceipt = 0.25
	jailbreakWeightFlagged = 0.5
)

// suspiciousBundleKeywords flag tampered or repackaged client builds.
var suspiciousBundleKeywords = []string{"hack", "crack", "patch", "inject", "spoof", "tweak"}

// JailbreakRisk combines device tamper indicators into a 0-1 risk value.
// Each matched indicator adds a fixed weight; the sum is capped at 1.0.
func JailbreakRisk(s DeviceSignals) float64 {
	risk := 0.0

	bundle := strings.ToLower(s.BundleID)
	for _, kw := range suspiciousBundleKeywords {
		if strings.Contains(bundle, kw) {
			risk += jailbreakWeightBundle
			break
		}
	}
	if s.EnvironmentMismatch {
		risk += jailbreakWeightEnv
	}
	if s.MissingReceiptMetadata {
		risk += jailbreakWeightReceipt
	}
	if s.JailbreakFlag {
		risk += jailbreakWeightFlagged
	}

	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}

// Each signal below is a pure function over the profile, the caller
// context, and the evaluation time. They return the points contributed
// and a human-readable reason when non-zero.

func refundHistorySignal(p *Profile) (int, string) {
	switch {
	case p.RefundCount > 3:
		return maxRefundPoints, fmt.Sprintf("refund history: %d refunds", p.RefundCount)
	case p.RefundCount > 2:
		return 20, fmt.Sprintf("refund history: %d refunds", p.RefundCount)
	case p.RefundCount > 0:
		return 10, fmt.Sprintf("refund history: %d refunds", p.RefundCount)
	}
	return 0, ""
}

func validationFailureSignal(p *Profile) (int, string) {
	switch {
	case p.ValidationFailureCount > 5:
		return maxValidationPoints, fmt.Sprintf("validation failures: %d", p.ValidationFailureCount)
	case p.ValidationFailureCount > 3:
		return 10, fmt.Sprintf("validation failures: %d", p.ValidationFailureCount)
	}
	return 0, ""
}

func accountAgeSignal(p *Profile, now time.Time) (int, string) {
	age := now.Sub(p.AccountCreatedAt)
	switch {
	case age < 24*time.Hour:
		return maxAccountAgePoints, "account younger than 1 day"
	case age < 7*24*time.Hour:
		return 10, "account younger than 7 days"
	}
	return 0, ""
}

func jailbreakSignal(sctx *Context) (int, string) {
	r := JailbreakRisk(sctx.Device)
	switch {
	case r > 0.7:
		return maxJailbreakPoints, fmt.Sprintf("jailbreak risk %.2f", r)
	case r > 0.4:
		return 15, fmt.Sprintf("jailbreak risk %.2f", r)
	}
	return 0, ""
}

func promoAbuseSignal(p *Profile) (int, string) {
	switch {
	case p.PromoUsageCount > 3:
		return maxPromoPoints, fmt.Sprintf("promo abuse: %d uses", p.PromoUsageCount)
	case p.PromoUsageCount > 2:
		return 10, fmt.Sprintf("promo abuse: %d uses", p.PromoUsageCount)
	}
	return 0, ""
}

func rapidCycleSignal(sctx *Context) (int, string) {
	if sctx.RapidRefundCycle {
		return rapidCyclePoints, "rapid purchase/refund cycle"
	}
	return 0, ""
}

func fraudAttemptSignal(p *Profile) (int, string) {
	count := p.FraudAttemptCount
	if count == 0 {
		return 0, ""
	}
	if count > fraudAttemptCap {
		count = fraudAttemptCap
	}
	return fraudAttemptUnit * count, fmt.Sprintf("prior fraud attempts: %d", p.FraudAttemptCount)
}

// velocitySignal scores purchase-event counts already fetched by the
// engine (hourly and daily windows) against the configured caps.
func velocitySignal(hourly, daily int, t Thresholds) (int, string) {
	switch {
	case hourly > t.HourlyPurchaseMax:
		return maxVelocityPoints, fmt.Sprintf("velocity: %d purchases in the last hour", hourly)
	case daily > t.DailyPurchaseMax:
		return 10, fmt.Sprintf("velocity: %d purchases in the last day", daily)
	}
	return 0, ""
}

// deviceSharingSignal scores how many distinct subjects share the
// event's device fingerprint.
func deviceSharingSignal(subjects int, t Thresholds) (int, string) {
	switch {
	case subjects > t.DeviceShareHigh:
		return maxDeviceSharePoints, fmt.Sprintf("device shared by %d subjects", subjects)
	case subjects > t.DeviceShareModerate:
		return 8, fmt.Sprintf("device shared by %d subjects", subjects)
	}
	return 0, ""
}

func behavioralSignal(p *Profile, sctx *Context, t Thresholds) (int, string) {
	noPriorActivity := p.RefundCount == 0 &&
		p.ValidationFailureCount == 0 &&
		p.FraudAttemptCount == 0 &&
		p.PromoUsageCount == 0

	points := 0
	var reasons []string

	if sctx.PurchaseUSD > 0 && !sctx.ProfileComplete {
		points += behavioralIncomplete
		reasons = append(reasons, "purchase before profile completion")
	}
	if noPriorActivity && sctx.PurchaseUSD >= t.HighValueUSD {
		points += behavioralHighValue
		reasons = append(reasons, "high-value first purchase")
	} else if noPriorActivity && sctx.PurchaseUSD > 0 {
		points += behavioralNoActivity
		reasons = append(reasons, "purchase with no prior activity")
	}

	if points > maxBehavioralPoints {
		points = maxBehavioralPoints
	}
	if points == 0 {
		return 0, ""
	}
	return points, "behavioral: " + strings.Join(reasons, "; ")
}
