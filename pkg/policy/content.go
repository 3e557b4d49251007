package policy

import (
	"fmt"

	"deskcoach/pkg/notify"
	"deskcoach/pkg/posture"
)

// notificationActions are offered on every nudge; responses come back
// through HandleAction.
var notificationActions = []string{"Done", "Snooze", "Dismiss"}

// buildNotification renders the transition into user-facing text.
func buildNotification(tr *posture.Transition) notify.Notification {
	var title, message string

	switch tr.To {
	case posture.StateSlouch:
		title = "Posture Check: Slouching"
		message = fmt.Sprintf("Neck %.1f° > %.1f°. Straighten up for a moment.",
			tr.Value, tr.Threshold)
	case posture.StateForwardLean:
		title = "Posture Check: Forward Lean"
		message = fmt.Sprintf("Torso %.1f° > %.1f°. Sit back in your chair.",
			tr.Value, tr.Threshold)
	case posture.StateLateralLean:
		title = "Posture Check: Lateral Lean"
		message = fmt.Sprintf("Shoulder tilt %.2f > %.2f. Level your shoulders.",
			tr.Value, tr.Threshold)
	default:
		title = "Posture Check"
		message = tr.Reason
	}

	return notify.Notification{
		Title:   title,
		Message: message,
		Actions: notificationActions,
	}
}
