package policy

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/eventlog"
	"deskcoach/pkg/metrics"
	"deskcoach/pkg/notify"
	"deskcoach/pkg/posture"
)

// Config holds every notification-policy parameter. Hot-reloadable;
// changes take effect on the next decision.
type Config struct {
	CooldownDoneSec              float64 `json:"cooldown_done_sec"`
	CooldownSnoozeSec            float64 `json:"cooldown_snooze_sec"`
	DedupeWindowSec              float64 `json:"dedupe_window_sec"`
	ActiveNotificationTimeoutSec float64 `json:"active_notification_timeout_sec"`
	DismissBackoffDurationSec    float64 `json:"dismiss_backoff_duration_sec"`
	BackoffNeckDeg               float64 `json:"backoff_neck_deg"`
	BackoffTorsoDeg              float64 `json:"backoff_torso_deg"`
	BackoffLateralCM             float64 `json:"backoff_lateral_cm"`
	DNDQueueExpirySec            float64 `json:"dnd_queue_expiry_sec"`
	RespectDND                   bool    `json:"respect_dnd"`
	HighSeverityBypassDedupe     bool    `json:"high_severity_bypass_dedupe"`

	// CooldownsEnabled disables the time-based gates (cooldown,
	// snooze, dedupe) when false. Development switch.
	CooldownsEnabled bool `json:"cooldowns_enabled"`
}

// DefaultConfig returns the reference policy defaults.
func DefaultConfig() Config {
	return Config{
		CooldownDoneSec:              1800,
		CooldownSnoozeSec:            900,
		DedupeWindowSec:              1200,
		ActiveNotificationTimeoutSec: 10,
		DismissBackoffDurationSec:    3600,
		BackoffNeckDeg:               5,
		BackoffTorsoDeg:              5,
		BackoffLateralCM:             1,
		DNDQueueExpirySec:            2700,
		RespectDND:                   true,
		HighSeverityBypassDedupe:     true,
		CooldownsEnabled:             true,
	}
}

// Suppression gate names, recorded on suppressed events in gate order.
const (
	GateCooldown     = "global_cooldown"
	GateSnooze       = "snooze"
	GateActive       = "active_notification"
	GateDedupe       = "dedupe_window"
	GateBelowBackoff = "below_backoff_threshold"
)

// Action is a user response to a delivered notification.
type Action string

const (
	ActionDone    Action = "done"
	ActionSnooze  Action = "snooze"
	ActionDismiss Action = "dismiss"
)

type queuedNudge struct {
	transition *posture.Transition
	enqueuedAt float64
	expiresAt  float64
}

// Policy decides when a state transition becomes a nudge. It owns all
// cooldown, dedupe, backoff and DND-queue state; that state lives
// wholly in memory and resets on daemon restart.
type Policy struct {
	mu sync.Mutex

	logger *logrus.Logger
	cfg    Config
	sink   notify.Sink
	dnd    notify.DNDQuerier
	events eventlog.Appender

	cooldownUntil       float64
	snoozeUntil         float64
	dismissBackoffUntil float64
	activeAt            float64
	lastNudgeAt         map[posture.State]float64
	lastNudgeAnyAt      float64
	queue               map[posture.State]*queuedNudge
}

// New builds a policy. The appender receives nudged/suppressed/queue
// events; state transitions themselves are logged by the caller.
func New(logger *logrus.Logger, cfg Config, sink notify.Sink, dnd notify.DNDQuerier, events eventlog.Appender) *Policy {
	return &Policy{
		logger:      logger,
		cfg:         cfg,
		sink:        sink,
		dnd:         dnd,
		events:      events,
		lastNudgeAt: make(map[posture.State]float64),
		queue:       make(map[posture.State]*queuedNudge),
	}
}

// Reconfigure swaps the policy parameters, effective immediately.
func (p *Policy) Reconfigure(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// OnTransition consumes a state transition. Only issue entries are
// nudge candidates; everything else is ignored.
func (p *Policy) OnTransition(tr *posture.Transition, now float64) {
	if tr == nil || !tr.IsIssueEntry() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if gate, reason := p.gateLocked(tr, now); gate != "" {
		p.suppressLocked(tr, now, gate, reason)
		return
	}

	if p.cfg.RespectDND && p.dnd.Active() {
		p.enqueueLocked(tr, now)
		return
	}

	p.deliverLocked(tr, now, 0)
}

// gateLocked applies the five gates in order and returns the first
// failing gate and its reason, or empty strings when all pass.
func (p *Policy) gateLocked(tr *posture.Transition, now float64) (string, string) {
	if p.cfg.CooldownsEnabled && now < p.cooldownUntil {
		return GateCooldown, fmt.Sprintf("global_cooldown (%.1fm remaining)", (p.cooldownUntil-now)/60)
	}

	if p.cfg.CooldownsEnabled && now < p.snoozeUntil {
		return GateSnooze, fmt.Sprintf("snooze (%.1fm remaining)", (p.snoozeUntil-now)/60)
	}

	if p.activeAt > 0 && now-p.activeAt < p.cfg.ActiveNotificationTimeoutSec {
		return GateActive, fmt.Sprintf("active_notification (%.1fs old)", now-p.activeAt)
	}

	if p.cfg.CooldownsEnabled {
		if last, ok := p.lastNudgeAt[tr.To]; ok && now-last < p.cfg.DedupeWindowSec {
			if !(tr.HighSeverity && p.cfg.HighSeverityBypassDedupe) {
				remaining := (p.cfg.DedupeWindowSec - (now - last)) / 60
				return GateDedupe, fmt.Sprintf("dedupe_window (%.1fm remaining for %s)", remaining, tr.To)
			}
		}
	}

	if now < p.dismissBackoffUntil {
		elevated := p.elevatedThresholdLocked(tr)
		if tr.Value < elevated {
			return GateBelowBackoff, fmt.Sprintf("below_backoff_threshold (%.1f < %.1f)", tr.Value, elevated)
		}
	}

	return "", ""
}

// elevatedThresholdLocked raises the transition's effective threshold
// by the configured dismiss-backoff delta for its channel.
func (p *Policy) elevatedThresholdLocked(tr *posture.Transition) float64 {
	switch tr.Channel {
	case posture.ChannelNeck:
		return tr.Threshold + p.cfg.BackoffNeckDeg
	case posture.ChannelTorso:
		return tr.Threshold + p.cfg.BackoffTorsoDeg
	default:
		// Centimeter delta scaled through the lateral-ratio heuristic
		// against the channel's baseline ratio.
		return tr.Threshold + tr.BaselineValue*(p.cfg.BackoffLateralCM/40)*2
	}
}

func (p *Policy) suppressLocked(tr *posture.Transition, now float64, gate, reason string) {
	p.logger.WithFields(logrus.Fields{
		"state":  tr.To,
		"gate":   gate,
		"reason": reason,
	}).Debug("Nudge suppressed")

	metrics.RecordSuppression(gate)
	p.events.Append(eventlog.Record{
		TS:     now,
		Kind:   eventlog.KindSuppressed,
		State:  string(tr.To),
		Reason: reason,
		Metadata: map[string]interface{}{
			"gate":      gate,
			"path":      tr.Path,
			"value":     tr.Value,
			"threshold": tr.Threshold,
		},
	})
}

func (p *Policy) enqueueLocked(tr *posture.Transition, now float64) {
	p.queue[tr.To] = &queuedNudge{
		transition: tr,
		enqueuedAt: now,
		expiresAt:  now + p.cfg.DNDQueueExpirySec,
	}
	metrics.SetDNDQueueDepth(len(p.queue))

	p.logger.WithFields(logrus.Fields{
		"state":      tr.To,
		"expires_in": p.cfg.DNDQueueExpirySec,
	}).Info("Nudge queued under DND")

	p.events.Append(eventlog.Record{
		TS:     now,
		Kind:   eventlog.KindQueuedUnderDND,
		State:  string(tr.To),
		Reason: tr.Reason,
		Metadata: map[string]interface{}{
			"expires_at": now + p.cfg.DNDQueueExpirySec,
		},
	})
}

// deliverLocked sends the notification and records the outcome. A
// failed delivery is logged but not retried; cooldown and dedupe
// state advance regardless.
func (p *Policy) deliverLocked(tr *posture.Transition, now, queuedDurationSec float64) {
	n := buildNotification(tr)
	err := p.sink.Notify(n)

	p.lastNudgeAt[tr.To] = now
	p.lastNudgeAnyAt = now
	p.activeAt = now

	kind := eventlog.KindNudged
	if queuedDurationSec > 0 {
		kind = eventlog.KindDeliveredAfterDND
	}

	meta := map[string]interface{}{
		"path":      tr.Path,
		"value":     tr.Value,
		"threshold": tr.Threshold,
		"title":     n.Title,
	}
	if queuedDurationSec > 0 {
		meta["queued_duration_sec"] = queuedDurationSec
	}
	if err != nil {
		meta["delivery_error"] = true
		p.logger.WithError(err).WithField("state", tr.To).Warn("Notification delivery failed")
	}

	metrics.RecordNudge(string(tr.To))
	p.events.Append(eventlog.Record{
		TS:       now,
		Kind:     kind,
		State:    string(tr.To),
		Reason:   tr.Reason,
		Metadata: meta,
	})

	p.logger.WithFields(logrus.Fields{
		"state": tr.To,
		"title": n.Title,
	}).Info("Nudge delivered")
}

// ServiceQueue runs one pass over the DND queue: expire stale
// entries, deliver the rest once DND lifts. Call at >= 1 Hz.
func (p *Policy) ServiceQueue(now float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dndActive := p.cfg.RespectDND && p.dnd.Active()

	for state, q := range p.queue {
		if now >= q.expiresAt {
			delete(p.queue, state)
			metrics.RecordDNDExpiry()
			p.events.Append(eventlog.Record{
				TS:    now,
				Kind:  eventlog.KindExpiredUnderDND,
				State: string(state),
				Metadata: map[string]interface{}{
					"queued_duration_sec": now - q.enqueuedAt,
				},
			})
			continue
		}
		if dndActive {
			continue
		}

		if gate, reason := p.gateLocked(q.transition, now); gate != "" {
			// The active-notification lock clears within seconds, so
			// hold the entry for the next service pass; longer gates
			// suppress for good.
			if gate == GateActive {
				continue
			}
			delete(p.queue, state)
			p.suppressLocked(q.transition, now, gate, reason)
			continue
		}

		delete(p.queue, state)
		p.deliverLocked(q.transition, now, now-q.enqueuedAt)
	}

	metrics.SetDNDQueueDepth(len(p.queue))
}

// HandleAction applies a user response to the policy timers.
func (p *Policy) HandleAction(action Action, now float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.activeAt = 0

	var kind eventlog.Kind
	meta := map[string]interface{}{}

	switch action {
	case ActionDone:
		p.cooldownUntil = now + p.cfg.CooldownDoneSec
		kind = eventlog.KindActionDone
		meta["cooldown_until"] = p.cooldownUntil
	case ActionSnooze:
		p.snoozeUntil = now + p.cfg.CooldownSnoozeSec
		kind = eventlog.KindActionSnooze
		meta["snooze_until"] = p.snoozeUntil
	case ActionDismiss:
		p.dismissBackoffUntil = now + p.cfg.DismissBackoffDurationSec
		kind = eventlog.KindActionDismiss
		meta["backoff_until"] = p.dismissBackoffUntil
		meta["backoff_neck_deg"] = p.cfg.BackoffNeckDeg
		meta["backoff_torso_deg"] = p.cfg.BackoffTorsoDeg
		meta["backoff_lateral_cm"] = p.cfg.BackoffLateralCM
	default:
		p.logger.WithField("action", action).Warn("Unknown notification action")
		return
	}

	p.logger.WithField("action", action).Info("User action applied")
	p.events.Append(eventlog.Record{TS: now, Kind: kind, Metadata: meta})
}

// Status is the policy's read-only view for the status snapshot.
type Status struct {
	CooldownRemainingSec float64 `json:"cooldown_remaining_sec"`
	SnoozeRemainingSec   float64 `json:"snooze_remaining_sec"`
	BackoffRemainingSec  float64 `json:"backoff_remaining_sec"`
	QueueDepth           int     `json:"queue_depth"`
	LastNudgeAgeSec      float64 `json:"last_nudge_age_sec"`
	ActiveNotification   bool    `json:"active_notification"`
}

// Snapshot reports the remaining policy timers at time now.
func (p *Policy) Snapshot(now float64) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{QueueDepth: len(p.queue)}
	if rem := p.cooldownUntil - now; rem > 0 {
		st.CooldownRemainingSec = rem
	}
	if rem := p.snoozeUntil - now; rem > 0 {
		st.SnoozeRemainingSec = rem
	}
	if rem := p.dismissBackoffUntil - now; rem > 0 {
		st.BackoffRemainingSec = rem
	}
	if p.lastNudgeAnyAt > 0 {
		st.LastNudgeAgeSec = now - p.lastNudgeAnyAt
	}
	st.ActiveNotification = p.activeAt > 0 && now-p.activeAt < p.cfg.ActiveNotificationTimeoutSec
	return st
}
