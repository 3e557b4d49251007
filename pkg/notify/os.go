package notify

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
)

// OSNotifier delivers notifications by spawning the platform notifier
// command. Fire-and-forget: the child is started and reaped in the
// background, never awaited for user interaction.
type OSNotifier struct {
	// Command is the notifier executable, e.g. notify-send.
	Command string

	// Args are prepended before title and message.
	Args []string

	Logger *logrus.Logger
}

func (n *OSNotifier) Notify(notification Notification) error {
	args := append([]string{}, n.Args...)
	args = append(args, notification.Title, notification.Message)
	for _, action := range notification.Actions {
		args = append(args, "--action="+action)
	}

	cmd := exec.Command(n.Command, args...)
	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.ErrNotificationFailed, err.Error(), map[string]interface{}{
			"command": n.Command,
		})
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			n.Logger.WithError(err).WithField("command", n.Command).
				Debug("Notifier command exited with error")
		}
	}()

	return nil
}

// dndQueryTimeout bounds the DND probe so a hung command cannot stall
// a nudge decision.
const dndQueryTimeout = time.Second

// OSDND queries do-not-disturb via a platform command. A query
// failure is treated as DND off and logged once.
type OSDND struct {
	// Command prints a truthy token ("1", "true", "on") when DND is
	// active.
	Command string
	Args    []string
	Logger  *logrus.Logger

	failureOnce sync.Once
}

func (d *OSDND) Active() bool {
	ctx, cancel := context.WithTimeout(context.Background(), dndQueryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.Command, d.Args...).Output()
	if err != nil {
		d.failureOnce.Do(func() {
			d.Logger.WithError(err).WithField("command", d.Command).
				Warn("DND query failed, treating as DND off")
		})
		return false
	}

	switch strings.ToLower(strings.TrimSpace(string(out))) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// DisabledDND always reports DND off, backing the --no-dnd-check flag.
type DisabledDND struct{}

func (DisabledDND) Active() bool { return false }
