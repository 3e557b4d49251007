package notify

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DryRunSink logs every would-be notification instead of delivering
// it. Backs the --dry-run flag and the policy tests.
type DryRunSink struct {
	Logger *logrus.Logger

	mu       sync.Mutex
	Sent     []Notification
	FailNext bool
}

func (s *DryRunSink) Notify(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"title":   n.Title,
			"message": n.Message,
		}).Info("Dry run: notification suppressed")
	}
	s.Sent = append(s.Sent, n)

	if s.FailNext {
		s.FailNext = false
		return errDelivery
	}
	return nil
}

// Count returns the number of notifications recorded.
func (s *DryRunSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// StaticDND reports a settable DND state. Test double.
type StaticDND struct {
	mu sync.Mutex
	on bool
}

func (d *StaticDND) Set(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.on = on
}

func (d *StaticDND) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on
}
