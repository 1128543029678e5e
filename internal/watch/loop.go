package watch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metal0/mailpilot-sub003/internal/config"
	"github.com/metal0/mailpilot-sub003/internal/mailbox"
)

// NewMailFunc is invoked when the watched folder reports messages.
type NewMailFunc func(ctx context.Context, count uint32)

// Loop watches one account's mailbox for new mail, either event-driven
// via server-pushed notifications or by polling, and hands detections
// to the dispatch callback. The mode is fixed once at loop start from
// the server's capabilities.
type Loop struct {
	account      *config.AccountConfig
	mbox         mailbox.Client
	pollInterval time.Duration
	fallback     time.Duration
	onNewMail    NewMailFunc
	logger       *logrus.Logger
}

// New creates a watch loop for one account.
func New(account *config.AccountConfig, mbox mailbox.Client, pollInterval, fallback time.Duration, onNewMail NewMailFunc, logger *logrus.Logger) *Loop {
	return &Loop{
		account:      account,
		mbox:         mbox,
		pollInterval: pollInterval,
		fallback:     fallback,
		onNewMail:    onNewMail,
		logger:       logger,
	}
}

// Run drives the loop until ctx is cancelled. Cancellation is
// cooperative: it is observed after each blocking wait returns, never
// by interrupting an in-progress protocol exchange.
func (l *Loop) Run(ctx context.Context) {
	log := l.logger.WithField("account", l.account.Name)

	eventDriven := l.mbox.SupportsIdle()
	log.WithFields(logrus.Fields{
		"folder":       l.account.WatchFolder,
		"event_driven": eventDriven,
	}).Info("Starting watch loop")

	if eventDriven {
		l.runEventDriven(ctx, log)
	} else {
		l.runPolling(ctx, log)
	}

	log.Info("Watch loop stopped")
}

// runEventDriven blocks in server-notification waits, falling back to a
// timed sleep whenever the protocol hiccups.
func (l *Loop) runEventDriven(ctx context.Context, log *logrus.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.mbox.Lock()
		err := l.mbox.WaitForChange(ctx, l.account.WatchFolder)
		l.mbox.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).Warn("Notification wait failed, sleeping before retry")
			if !sleep(ctx, l.fallback) {
				return
			}
			continue
		}

		if err := l.checkForMail(ctx, log); err != nil {
			log.WithError(err).Warn("Status check failed, sleeping before retry")
			if !sleep(ctx, l.fallback) {
				return
			}
		}
	}
}

// runPolling checks the folder's message count on a fixed interval. An
// error cycle waits the fallback interval instead, never both.
func (l *Loop) runPolling(ctx context.Context, log *logrus.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}

		wait := l.pollInterval
		if err := l.checkForMail(ctx, log); err != nil {
			log.WithError(err).Warn("Status check failed, sleeping before retry")
			wait = l.fallback
		}

		if !sleep(ctx, wait) {
			return
		}
	}
}

// checkForMail queries the message count and dispatches when nonzero.
func (l *Loop) checkForMail(ctx context.Context, log *logrus.Entry) error {
	count, err := l.mbox.Status(l.account.WatchFolder)
	if err != nil {
		return err
	}
	if count > 0 {
		log.WithField("count", count).Debug("Mailbox has messages, dispatching")
		l.onNewMail(ctx, count)
	}
	return nil
}

// sleep waits for d, returning false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
