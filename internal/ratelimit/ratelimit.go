// Package ratelimit enforces per-subject, per-action quotas over fixed
// time windows. State lives in the shared counter store so every
// replica sees the same counts; admission is a single atomic increment
// with expiry, never a read-modify-write.
//
// Store outages fail open: the call is allowed, remaining is reported
// as unknown and the event is logged and counted. Availability is
// preferred over strict enforcement for admission control.
package ratelimit

import "time"

// Action identifies a rate-limited operation.
type Action string

const (
	ActionPurchaseValidated Action = "purchase_validated"
	ActionContentFlagged    Action = "content_flagged"
	ActionUserWarned        Action = "user_warned"
	ActionRiskScore         Action = "risk_score"
	ActionAPIRequest        Action = "api_request"
)

// Tier selects which rule variant applies to a subject.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPrivileged Tier = "privileged"
)

// ValidTier returns true if the tier name is recognised.
func ValidTier(t Tier) bool {
	return t == TierStandard || t == TierPrivileged
}

// Subject is the caller being limited.
type Subject struct {
	ID   string `json:"id"`
	Tier Tier   `json:"tier,omitempty"`
}

// Rule configures one action's window quota. Block is the punitive
// block duration applied by Penalize, distinct from the window reset.
type Rule struct {
	Quota  int64
	Window time.Duration
	Block  time.Duration
}

// Limits is the per-tier rule catalogue.
type Limits map[Tier]map[Action]Rule

// DefaultLimits returns the hardcoded rule catalogue.
func DefaultLimits() Limits {
	return Limits{
		TierStandard: {
			ActionPurchaseValidated: {Quota: 50, Window: 24 * time.Hour, Block: 24 * time.Hour},
			ActionContentFlagged:    {Quota: 20, Window: time.Hour, Block: 6 * time.Hour},
			ActionUserWarned:        {Quota: 10, Window: time.Hour, Block: time.Hour},
			ActionRiskScore:         {Quota: 600, Window: time.Hour, Block: time.Hour},
			ActionAPIRequest:        {Quota: 60, Window: time.Minute, Block: 5 * time.Minute},
		},
		TierPrivileged: {
			ActionPurchaseValidated: {Quota: 500, Window: 24 * time.Hour, Block: 24 * time.Hour},
			ActionContentFlagged:    {Quota: 200, Window: time.Hour, Block: 6 * time.Hour},
			ActionUserWarned:        {Quota: 100, Window: time.Hour, Block: time.Hour},
			ActionRiskScore:         {Quota: 6000, Window: time.Hour, Block: time.Hour},
			ActionAPIRequest:        {Quota: 600, Window: time.Minute, Block: 5 * time.Minute},
		},
	}
}

// RuleFor resolves the rule for a tier and action. Unknown tiers fall
// back to standard; unknown actions get the standard api_request rule.
func (l Limits) RuleFor(tier Tier, action Action) Rule {
	rules, ok := l[tier]
	if !ok {
		rules = l[TierStandard]
	}
	if rule, ok := rules[action]; ok {
		return rule
	}
	return l[TierStandard][ActionAPIRequest]
}

// Result is the outcome of a consume or grant check. Denial is a
// value, not an error.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int64         `json:"remaining"`
	RetryAfter time.Duration `json:"-"`
	Blocked    bool          `json:"blocked,omitempty"`
}

// RetryAfterSeconds rounds RetryAfter up for wire responses.
func (r Result) RetryAfterSeconds() int64 {
	if r.RetryAfter <= 0 {
		return 0
	}
	secs := int64(r.RetryAfter / time.Second)
	if r.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}
