package policy

import (
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskcoach/pkg/eventlog"
	"deskcoach/pkg/notify"
	"deskcoach/pkg/posture"
)

func testPolicy(cfg Config) (*Policy, *notify.DryRunSink, *notify.StaticDND, *eventlog.Memory) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	sink := &notify.DryRunSink{}
	dnd := &notify.StaticDND{}
	events := &eventlog.Memory{}
	return New(logger, cfg, sink, dnd, events), sink, dnd, events
}

func issueAt(at float64, state posture.State, value, threshold float64, highSev bool) *posture.Transition {
	var ch posture.Channel
	switch state {
	case posture.StateSlouch:
		ch = posture.ChannelNeck
	case posture.StateForwardLean:
		ch = posture.ChannelTorso
	case posture.StateLateralLean:
		ch = posture.ChannelLateral
	}
	return &posture.Transition{
		From:         posture.StateGood,
		To:           state,
		Channel:      ch,
		Path:         posture.PathMajority,
		Reason:       "majority: above_fraction=0.72>=0.60",
		At:           at,
		Value:        value,
		Threshold:    threshold,
		HighSeverity: highSev,
	}
}

func TestNudgeDeliveredWhenGatesPass(t *testing.T) {
	p, sink, _, events := testPolicy(DefaultConfig())

	p.OnTransition(issueAt(10, posture.StateSlouch, 19.5, 16.4, false), 10)

	assert.Equal(t, 1, sink.Count())
	nudged := events.ByKind(eventlog.KindNudged)
	require.Len(t, nudged, 1)
	assert.Equal(t, "slouch", nudged[0].State)
	assert.Equal(t, "Posture Check: Slouching", nudged[0].Metadata["title"])
}

func TestNonIssueTransitionsIgnored(t *testing.T) {
	p, sink, _, events := testPolicy(DefaultConfig())

	p.OnTransition(&posture.Transition{From: posture.StateSlouch, To: posture.StateGood}, 0)
	p.OnTransition(&posture.Transition{From: posture.StateGood, To: posture.StatePaused}, 1)
	p.OnTransition(nil, 2)

	assert.Equal(t, 0, sink.Count())
	assert.Empty(t, events.Records)
}

func TestSnoozeSuppression(t *testing.T) {
	p, sink, _, events := testPolicy(DefaultConfig())

	p.HandleAction(ActionSnooze, 5) // snooze until t=905

	p.OnTransition(issueAt(300, posture.StateSlouch, 19.5, 16.4, false), 300)
	assert.Equal(t, 0, sink.Count())

	suppressed := events.ByKind(eventlog.KindSuppressed)
	require.Len(t, suppressed, 1)
	assert.True(t, strings.HasPrefix(suppressed[0].Reason, "snooze ("))
	assert.Contains(t, suppressed[0].Reason, "m remaining")
	assert.Equal(t, GateSnooze, suppressed[0].Metadata["gate"])

	// Just past the snooze window the nudge goes through.
	p.OnTransition(issueAt(910, posture.StateSlouch, 19.5, 16.4, false), 910)
	assert.Equal(t, 1, sink.Count())
	assert.Len(t, events.ByKind(eventlog.KindNudged), 1)
}

func TestDoneCooldownWindow(t *testing.T) {
	cfg := DefaultConfig()
	p, sink, _, events := testPolicy(cfg)

	p.HandleAction(ActionDone, 100)
	require.Len(t, events.ByKind(eventlog.KindActionDone), 1)

	// No nudge anywhere inside [T, T+cooldown_done_sec).
	p.OnTransition(issueAt(101, posture.StateSlouch, 30, 16.4, true), 101)
	p.OnTransition(issueAt(1899, posture.StateForwardLean, 30, 10, true), 1899)
	assert.Equal(t, 0, sink.Count())

	suppressed := events.ByKind(eventlog.KindSuppressed)
	require.Len(t, suppressed, 2)
	for _, rec := range suppressed {
		assert.Equal(t, GateCooldown, rec.Metadata["gate"])
		assert.True(t, strings.HasPrefix(rec.Reason, "global_cooldown ("))
	}

	p.OnTransition(issueAt(1901, posture.StateSlouch, 30, 16.4, false), 1901)
	assert.Equal(t, 1, sink.Count())
}

func TestCooldownGateOrderedBeforeSnooze(t *testing.T) {
	p, _, _, events := testPolicy(DefaultConfig())

	p.HandleAction(ActionDone, 0)
	p.HandleAction(ActionSnooze, 0)

	p.OnTransition(issueAt(10, posture.StateSlouch, 30, 16.4, false), 10)

	suppressed := events.ByKind(eventlog.KindSuppressed)
	require.Len(t, suppressed, 1)
	assert.Equal(t, GateCooldown, suppressed[0].Metadata["gate"])
}

func TestActiveNotificationLock(t *testing.T) {
	p, sink, _, events := testPolicy(DefaultConfig())

	p.OnTransition(issueAt(1, posture.StateSlouch, 19.5, 16.4, false), 1)
	require.Equal(t, 1, sink.Count())

	// A different state avoids dedupe; the active lock still holds.
	p.OnTransition(issueAt(5, posture.StateForwardLean, 15, 10, false), 5)
	assert.Equal(t, 1, sink.Count())
	suppressed := events.ByKind(eventlog.KindSuppressed)
	require.Len(t, suppressed, 1)
	assert.Equal(t, GateActive, suppressed[0].Metadata["gate"])

	// Auto-clears past the timeout; no explicit action needed.
	p.OnTransition(issueAt(12, posture.StateForwardLean, 15, 10, false), 12)
	assert.Equal(t, 2, sink.Count())
}

func TestPerStateDedupe(t *testing.T) {
	p, sink, _, events := testPolicy(DefaultConfig())

	p.OnTransition(issueAt(0, posture.StateSlouch, 19.5, 16.4, false), 0)
	require.Equal(t, 1, sink.Count())

	// Same state inside the dedupe window: suppressed.
	p.OnTransition(issueAt(600, posture.StateSlouch, 19.5, 16.4, false), 600)
	assert.Equal(t, 1, sink.Count())
	suppressed := events.ByKind(eventlog.KindSuppressed)
	require.Len(t, suppressed, 1)
	assert.Equal(t, GateDedupe, suppressed[0].Metadata["gate"])
	assert.Contains(t, suppressed[0].Reason, "dedupe_window")
	assert.Contains(t, suppressed[0].Reason, "slouch")

	// High severity bypasses dedupe.
	p.OnTransition(issueAt(700, posture.StateSlouch, 30, 16.4, true), 700)
	assert.Equal(t, 2, sink.Count())

	// Past the window the same state nudges again.
	p.OnTransition(issueAt(700+1201, posture.StateSlouch, 19.5, 16.4, false), 700+1201)
	assert.Equal(t, 3, sink.Count())
}

func TestDismissBackoffThreshold(t *testing.T) {
	p, sink, _, events := testPolicy(DefaultConfig())

	// Baseline neck 8.4, effective threshold 16.4, backoff +5.
	p.HandleAction(ActionDismiss, 0)

	p.OnTransition(issueAt(300, posture.StateSlouch, 20.0, 16.4, false), 300)
	assert.Equal(t, 0, sink.Count())
	suppressed := events.ByKind(eventlog.KindSuppressed)
	require.Len(t, suppressed, 1)
	assert.Equal(t, GateBelowBackoff, suppressed[0].Metadata["gate"])
	assert.Contains(t, suppressed[0].Reason, "below_backoff_threshold")

	// 22.0 clears the elevated 21.4 threshold.
	p.OnTransition(issueAt(600, posture.StateSlouch, 22.0, 16.4, false), 600)
	assert.Equal(t, 1, sink.Count())
}

func TestDismissBackoffExpires(t *testing.T) {
	p, sink, _, _ := testPolicy(DefaultConfig())

	p.HandleAction(ActionDismiss, 0)
	p.OnTransition(issueAt(3601, posture.StateSlouch, 17.0, 16.4, false), 3601)
	assert.Equal(t, 1, sink.Count())
}

func TestDNDQueueDeliveredAfter(t *testing.T) {
	p, sink, dnd, events := testPolicy(DefaultConfig())

	dnd.Set(true)
	p.OnTransition(issueAt(0, posture.StateSlouch, 19.5, 16.4, false), 0)
	assert.Equal(t, 0, sink.Count())
	require.Len(t, events.ByKind(eventlog.KindQueuedUnderDND), 1)

	// Still on: the entry waits.
	p.ServiceQueue(300)
	assert.Equal(t, 0, sink.Count())

	dnd.Set(false)
	p.ServiceQueue(600)
	assert.Equal(t, 1, sink.Count())

	delivered := events.ByKind(eventlog.KindDeliveredAfterDND)
	require.Len(t, delivered, 1)
	assert.InDelta(t, 600.0, delivered[0].Metadata["queued_duration_sec"].(float64), 0.001)
	assert.Empty(t, events.ByKind(eventlog.KindNudged))
}

func TestDNDQueueExpires(t *testing.T) {
	p, sink, dnd, events := testPolicy(DefaultConfig())

	dnd.Set(true)
	p.OnTransition(issueAt(0, posture.StateSlouch, 19.5, 16.4, false), 0)

	p.ServiceQueue(2700)
	require.Len(t, events.ByKind(eventlog.KindExpiredUnderDND), 1)

	dnd.Set(false)
	p.ServiceQueue(2800)
	assert.Equal(t, 0, sink.Count())
	assert.Empty(t, events.ByKind(eventlog.KindDeliveredAfterDND))
}

func TestDNDQueueOverwriteRefreshesExpiry(t *testing.T) {
	p, _, dnd, events := testPolicy(DefaultConfig())

	dnd.Set(true)
	p.OnTransition(issueAt(0, posture.StateSlouch, 19.5, 16.4, false), 0)
	p.OnTransition(issueAt(1000, posture.StateSlouch, 21.0, 16.4, false), 1000)
	require.Len(t, events.ByKind(eventlog.KindQueuedUnderDND), 2)

	// The original expiry (t=2700) has been superseded.
	p.ServiceQueue(2800)
	assert.Empty(t, events.ByKind(eventlog.KindExpiredUnderDND))

	p.ServiceQueue(3700)
	assert.Len(t, events.ByKind(eventlog.KindExpiredUnderDND), 1)
}

func TestDeliveryErrorDoesNotRetry(t *testing.T) {
	p, sink, _, events := testPolicy(DefaultConfig())
	sink.FailNext = true

	p.OnTransition(issueAt(0, posture.StateSlouch, 19.5, 16.4, false), 0)

	nudged := events.ByKind(eventlog.KindNudged)
	require.Len(t, nudged, 1)
	assert.Equal(t, true, nudged[0].Metadata["delivery_error"])

	// Dedupe still applies after a failed delivery.
	p.OnTransition(issueAt(60, posture.StateSlouch, 19.5, 16.4, false), 60)
	assert.Equal(t, 1, sink.Count())
	suppressed := events.ByKind(eventlog.KindSuppressed)
	require.Len(t, suppressed, 1)
	assert.Equal(t, GateDedupe, suppressed[0].Metadata["gate"])
}

func TestCooldownsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CooldownsEnabled = false
	p, sink, _, _ := testPolicy(cfg)

	p.HandleAction(ActionDone, 0)
	p.HandleAction(ActionSnooze, 0)

	p.OnTransition(issueAt(5, posture.StateSlouch, 19.5, 16.4, false), 5)
	assert.Equal(t, 1, sink.Count())
}

func TestSnapshotTimers(t *testing.T) {
	p, _, _, _ := testPolicy(DefaultConfig())

	p.HandleAction(ActionDone, 0)
	p.HandleAction(ActionDismiss, 0)

	st := p.Snapshot(600)
	assert.InDelta(t, 1200.0, st.CooldownRemainingSec, 0.001)
	assert.InDelta(t, 3000.0, st.BackoffRemainingSec, 0.001)
	assert.Equal(t, 0.0, st.SnoozeRemainingSec)
	assert.Equal(t, 0, st.QueueDepth)
	assert.False(t, st.ActiveNotification)
}
