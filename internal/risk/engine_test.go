package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luvio/trustengine/internal/counterstore"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine() (*Engine, *MemoryStore, *counterstore.MemoryStore) {
	profiles := NewMemoryStore()
	counters := counterstore.NewMemoryStore()
	return NewEngine(profiles, counters), profiles, counters
}

func TestScore_CleanSubjectScoresLow(t *testing.T) {
	engine, profiles, _ := newTestEngine()
	ctx := context.Background()

	// Established account with no history.
	_, _ = profiles.Ensure(ctx, "usr_clean", testNow.Add(-30*24*time.Hour))

	a, err := engine.Score(ctx, "usr_clean", Context{ProfileComplete: true}, testNow)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if a.Score != 0 {
		t.Errorf("expected score 0, got %d (reasons: %v)", a.Score, a.Reasons)
	}
	if a.Level != LevelLow {
		t.Errorf("expected level low, got %s", a.Level)
	}
}

func TestScore_RefundsNewAccountJailbreak(t *testing.T) {
	engine, profiles, _ := newTestEngine()
	ctx := context.Background()

	// Half-day-old account with four refunds.
	_, _ = profiles.Ensure(ctx, "usr_risky", testNow.Add(-12*time.Hour))
	for i := 0; i < 4; i++ {
		if err := engine.RecordRefund(ctx, "usr_risky", testNow.Add(-6*time.Hour)); err != nil {
			t.Fatalf("RecordRefund failed: %v", err)
		}
	}

	// Jailbreak flag + environment mismatch = 0.8 risk.
	sctx := Context{
		ProfileComplete: true,
		Device: DeviceSignals{
			JailbreakFlag:       true,
			EnvironmentMismatch: true,
		},
	}

	a, err := engine.Score(ctx, "usr_risky", sctx, testNow)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	// 30 (refunds) + 15 (account age) + 25 (jailbreak) = 70.
	if a.Score != 70 {
		t.Errorf("expected score 70, got %d (reasons: %v)", a.Score, a.Reasons)
	}
	if a.Level != LevelHigh {
		t.Errorf("expected level high, got %s", a.Level)
	}
	if len(a.Reasons) != 3 {
		t.Errorf("expected 3 reasons, got %v", a.Reasons)
	}
}

func TestScore_Deterministic(t *testing.T) {
	engine, profiles, _ := newTestEngine()
	ctx := context.Background()

	_, _ = profiles.Ensure(ctx, "usr_det", testNow.Add(-3*24*time.Hour))
	_ = engine.RecordRefund(ctx, "usr_det", testNow.Add(-2*time.Hour))
	_ = engine.RecordPromoUse(ctx, "usr_det", testNow.Add(-2*time.Hour))

	sctx := Context{ProfileComplete: true, Device: DeviceSignals{MissingReceiptMetadata: true}}

	first, err := engine.Score(ctx, "usr_det", sctx, testNow)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	second, err := engine.Score(ctx, "usr_det", sctx, testNow)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if first.Score != second.Score {
		t.Errorf("identical inputs produced different scores: %d vs %d", first.Score, second.Score)
	}
}

func TestScore_CappedAt100(t *testing.T) {
	engine, profiles, _ := newTestEngine()
	ctx := context.Background()

	// Brand-new account with every counter maxed out.
	_, _ = profiles.Ensure(ctx, "usr_max", testNow)
	for i := 0; i < 6; i++ {
		_ = engine.RecordRefund(ctx, "usr_max", testNow.Add(-2*time.Hour))
		_ = engine.RecordValidationFailure(ctx, "usr_max", testNow)
		_ = engine.RecordPromoUse(ctx, "usr_max", testNow)
		_ = engine.RecordFraudAttempt(ctx, "usr_max", testNow)
	}

	sctx := Context{
		RapidRefundCycle: true,
		Device: DeviceSignals{
			BundleID:               "com.hack.luvio",
			JailbreakFlag:          true,
			EnvironmentMismatch:    true,
			MissingReceiptMetadata: true,
		},
	}

	a, err := engine.Score(ctx, "usr_max", sctx, testNow)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if a.Score != 100 {
		t.Errorf("expected capped score 100, got %d", a.Score)
	}
}

func TestScore_BoundsProperty(t *testing.T) {
	engine, profiles, _ := newTestEngine()
	ctx := context.Background()

	// Sweep a range of profiles; every score must stay within [0, 100].
	for refunds := 0; refunds <= 5; refunds++ {
		for fraud := 0; fraud <= 4; fraud++ {
			subject := idFor(refunds, fraud)
			_, _ = profiles.Ensure(ctx, subject, testNow.Add(-48*time.Hour))
			for i := 0; i < refunds; i++ {
				_ = engine.RecordRefund(ctx, subject, testNow.Add(-3*time.Hour))
			}
			for i := 0; i < fraud; i++ {
				_ = engine.RecordFraudAttempt(ctx, subject, testNow)
			}

			a, err := engine.Score(ctx, subject, Context{ProfileComplete: true}, testNow)
			if err != nil {
				t.Fatalf("Score failed: %v", err)
			}
			if a.Score < 0 || a.Score > 100 {
				t.Errorf("score out of bounds for refunds=%d fraud=%d: %d", refunds, fraud, a.Score)
			}
		}
	}
}

func idFor(refunds, fraud int) string {
	return "usr_" + string(rune('a'+refunds)) + string(rune('a'+fraud))
}

func TestScore_VelocityAnomaly(t *testing.T) {
	engine, profiles, _ := newTestEngine()
	ctx := context.Background()

	_, _ = profiles.Ensure(ctx, "usr_vel", testNow.Add(-60*24*time.Hour))
	for i := 0; i < 6; i++ {
		engine.RecordPurchase(ctx, "usr_vel", testNow.Add(-time.Duration(i)*time.Minute))
	}

	a, err := engine.Score(ctx, "usr_vel", Context{ProfileComplete: true}, testNow)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if a.Score != maxVelocityPoints {
		t.Errorf("expected velocity points %d, got %d (reasons: %v)", maxVelocityPoints, a.Score, a.Reasons)
	}
}

func TestScore_DeviceSharing(t *testing.T) {
	engine, profiles, _ := newTestEngine()
	ctx := context.Background()

	// Four subjects on the same device.
	for _, subject := range []string{"usr_a", "usr_b", "usr_c", "usr_d"} {
		_ = engine.RecordDevice(ctx, subject, "dev_shared", testNow)
	}
	_, _ = profiles.Ensure(ctx, "usr_a", testNow.Add(-60*24*time.Hour))

	a, err := engine.Score(ctx, "usr_a", Context{DeviceID: "dev_shared", ProfileComplete: true}, testNow)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if a.Score != maxDeviceSharePoints {
		t.Errorf("expected device sharing points %d, got %d (reasons: %v)", maxDeviceSharePoints, a.Score, a.Reasons)
	}
}

// unavailableCounters fails the read paths used during scoring.
type unavailableCounters struct {
	counterstore.Store
}

func (u *unavailableCounters) CountEventsSince(ctx context.Context, entity string, since, now time.Time) (int, error) {
	return 0, counterstore.ErrUnavailable
}

func (u *unavailableCounters) CountDistinct(ctx context.Context, bucket string) (int, error) {
	return 0, counterstore.ErrUnavailable
}

func TestScore_FailsOpenOnCounterOutage(t *testing.T) {
	profiles := NewMemoryStore()
	engine := NewEngine(profiles, &unavailableCounters{Store: counterstore.NewMemoryStore()})
	ctx := context.Background()

	_, _ = profiles.Ensure(ctx, "usr_deg", testNow.Add(-12*time.Hour))

	a, err := engine.Score(ctx, "usr_deg", Context{DeviceID: "dev_x", ProfileComplete: true}, testNow)
	if err != nil {
		t.Fatalf("expected fail-open scoring, got error: %v", err)
	}
	// Account age still contributes; the store-backed signals degrade to zero.
	if a.Score != maxAccountAgePoints {
		t.Errorf("expected score %d from account age only, got %d", maxAccountAgePoints, a.Score)
	}
	if len(a.Degraded) != 2 {
		t.Errorf("expected velocity and device_sharing degraded, got %v", a.Degraded)
	}
}

func TestRedeemReceipt_FirstClaimWins(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	if err := engine.RedeemReceipt(ctx, "txn_123", "usr_1"); err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}
	err := engine.RedeemReceipt(ctx, "txn_123", "usr_2")
	if !errors.Is(err, ErrReceiptReplayed) {
		t.Errorf("expected ErrReceiptReplayed, got %v", err)
	}
}

// downStore fails CAS to simulate a dead backend.
type downStore struct {
	counterstore.Store
}

func (d *downStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string) (bool, error) {
	return false, counterstore.ErrUnavailable
}

func TestRedeemReceipt_PropagatesOutage(t *testing.T) {
	profiles := NewMemoryStore()
	engine := NewEngine(profiles, &downStore{Store: counterstore.NewMemoryStore()})

	err := engine.RedeemReceipt(context.Background(), "txn_1", "usr_1")
	if !IsUnavailable(err) {
		t.Errorf("expected unavailability to propagate, got %v", err)
	}
}

func TestDetectRapidRefundCycle(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	if engine.DetectRapidRefundCycle(ctx, "usr_cyc", testNow) {
		t.Error("expected no cycle with no events")
	}

	engine.RecordPurchase(ctx, "usr_cyc", testNow.Add(-30*time.Minute))
	if engine.DetectRapidRefundCycle(ctx, "usr_cyc", testNow) {
		t.Error("expected no cycle with purchase only")
	}

	if err := engine.RecordRefund(ctx, "usr_cyc", testNow.Add(-10*time.Minute)); err != nil {
		t.Fatalf("RecordRefund failed: %v", err)
	}
	if !engine.DetectRapidRefundCycle(ctx, "usr_cyc", testNow) {
		t.Error("expected cycle after purchase + refund within the hour")
	}

	// Outside the window.
	if engine.DetectRapidRefundCycle(ctx, "usr_cyc", testNow.Add(2*time.Hour)) {
		t.Error("expected no cycle two hours later")
	}
}

func TestIncrementWarnings(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := engine.IncrementWarnings(ctx, "usr_warn", testNow)
		if err != nil {
			t.Fatalf("IncrementWarnings failed: %v", err)
		}
		if got != want {
			t.Errorf("expected warning count %d, got %d", want, got)
		}
	}
}
