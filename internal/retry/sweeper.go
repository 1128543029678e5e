package retry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metal0/mailpilot-sub003/internal/backoff"
	"github.com/metal0/mailpilot-sub003/internal/config"
	"github.com/metal0/mailpilot-sub003/internal/store"
)

// Attempter re-runs processing for a dead-lettered message.
type Attempter func(ctx context.Context, accountName, folder string, uid uint32) error

// Sweeper periodically re-attempts dead-lettered messages on a jittered
// backoff schedule. It runs as its own task, separate from the watch
// loops, so a backlog of retries never delays fresh mail.
type Sweeper struct {
	cfg     *config.Config
	store   *store.Store
	attempt Attempter
	rand01  func() float64
	logger  *logrus.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper using the configured retry schedule.
func NewSweeper(cfg *config.Config, st *store.Store, attempt Attempter, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		store:   st,
		attempt: attempt,
		rand01:  backoff.DefaultRand,
		logger:  logger,
		running: make(map[string]bool),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetrySweepInterval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.cfg.RetrySweepInterval.String()).Info("Starting dead-letter retry sweeper")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep re-attempts every due entry once. A success resolves the
// entry; a failure reschedules it or, past the attempt budget, marks
// it exhausted for operator attention.
//
// Entries are grouped by account and each account's batch runs in its
// own goroutine, oldest first. Accounts are independent: a mailbox
// stuck in a long wait defers only its own retries, and an account
// whose previous batch has not finished is skipped this sweep rather
// than piling up work behind it.
func (s *Sweeper) Sweep(ctx context.Context) {
	due, err := s.store.DueDeadLetters(time.Now())
	if err != nil {
		s.logger.WithError(err).Error("Failed to query due dead letters")
		return
	}

	byAccount := make(map[string][]store.DeadLetterEntry)
	for _, entry := range due {
		byAccount[entry.AccountName] = append(byAccount[entry.AccountName], entry)
	}

	for account, entries := range byAccount {
		if !s.claim(account) {
			s.logger.WithField("account", account).Debug("Previous retry batch still running, deferring")
			continue
		}
		s.wg.Add(1)
		go func(account string, entries []store.DeadLetterEntry) {
			defer s.wg.Done()
			defer s.release(account)
			for _, entry := range entries {
				if ctx.Err() != nil {
					return
				}
				s.retryEntry(ctx, entry)
			}
		}(account, entries)
	}
}

func (s *Sweeper) claim(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[account] {
		return false
	}
	s.running[account] = true
	return true
}

func (s *Sweeper) release(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, account)
}

func (s *Sweeper) retryEntry(ctx context.Context, entry store.DeadLetterEntry) {
	log := s.logger.WithFields(logrus.Fields{
		"dead_letter": entry.ID,
		"account":     entry.AccountName,
		"folder":      entry.Folder,
		"uid":         entry.UID,
		"attempts":    entry.Attempts,
	})

	err := s.attempt(ctx, entry.AccountName, entry.Folder, entry.UID)
	if err == nil {
		if err := s.store.MarkResolved(entry.ID); err != nil {
			log.WithError(err).Error("Failed to mark dead letter resolved")
			return
		}
		log.Info("Dead-lettered message resolved")
		return
	}

	attempts := entry.Attempts + 1
	if attempts >= s.cfg.RetryMaxAttempts {
		if markErr := s.store.MarkExhausted(entry.ID); markErr != nil {
			log.WithError(markErr).Error("Failed to mark dead letter exhausted")
			return
		}
		log.WithError(err).Error("Dead letter exhausted, operator intervention required")
		return
	}

	delay := backoff.NextDelay(attempts, s.cfg.RetryBaseDelay.Milliseconds(), s.cfg.RetryMaxDelay.Milliseconds(), s.cfg.RetryMultiplier, s.rand01)
	next := time.Now().Add(time.Duration(delay) * time.Millisecond)
	if schedErr := s.store.ScheduleRetry(entry.ID, attempts, err.Error(), next, time.Now()); schedErr != nil {
		log.WithError(schedErr).Error("Failed to reschedule dead letter")
		return
	}
	log.WithError(err).WithField("next_retry_in_ms", delay).Warn("Dead letter retry failed, rescheduled")
}
