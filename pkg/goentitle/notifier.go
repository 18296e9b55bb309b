package goentitle

import (
	"golang.org/x/sync/errgroup"
)

// notifier runs OnTransition callbacks off the caller's path with bounded
// concurrency. When every slot is busy the notification is dropped and logged.
type notifier struct {
	fn     func(Transition)
	group  errgroup.Group
	logger Logger
}

func newNotifier(fn func(Transition), limit int, logger Logger) *notifier {
	n := &notifier{fn: fn, logger: logger}
	n.group.SetLimit(limit)
	return n
}

func (n *notifier) notify(t Transition) {
	if n == nil || n.fn == nil {
		return
	}
	started := n.group.TryGo(func() error {
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("transition callback panicked",
					withFields(principalFields(t.Principal), Field{"panic", r})...)
			}
		}()
		n.fn(t)
		return nil
	})
	if !started {
		n.logger.Warn("transition notification dropped, too many pending",
			withFields(principalFields(t.Principal), Field{"source", t.Source})...)
	}
}

// wait blocks until all running callbacks return.
func (n *notifier) wait() {
	if n == nil {
		return
	}
	_ = n.group.Wait()
}
