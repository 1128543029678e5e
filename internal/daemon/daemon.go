package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metal0/mailpilot-sub003/internal/antivirus"
	"github.com/metal0/mailpilot-sub003/internal/classify"
	"github.com/metal0/mailpilot-sub003/internal/config"
	"github.com/metal0/mailpilot-sub003/internal/executor"
	"github.com/metal0/mailpilot-sub003/internal/inflight"
	"github.com/metal0/mailpilot-sub003/internal/mailbox"
	"github.com/metal0/mailpilot-sub003/internal/pipeline"
	"github.com/metal0/mailpilot-sub003/internal/retry"
	"github.com/metal0/mailpilot-sub003/internal/store"
	"github.com/metal0/mailpilot-sub003/internal/watch"
)

// Daemon wires the per-account watch loops, the shared pipeline, the
// dead-letter sweeper and the ledger cleanup into one process.
type Daemon struct {
	cfg      *config.Config
	store    *store.Store
	logger   *logrus.Logger
	tracker  *inflight.Tracker
	pipeline *pipeline.Pipeline
	accounts map[string]*pipeline.Account
}

// New resolves every account's runtime bindings. An unresolvable
// classifier provider is a configuration error reported immediately.
func New(cfg *config.Config, st *store.Store, logger *logrus.Logger) (*Daemon, error) {
	tracker := inflight.NewTracker(logger)
	exec := executor.New(executor.NewFolderCache(), logger)

	var scanner *antivirus.Client
	if cfg.ClamAVAddress != "" {
		scanner = antivirus.NewClient(cfg.ClamAVAddress, cfg.ClamAVTimeout, logger)
		if scanner.Ping() {
			logger.WithField("address", cfg.ClamAVAddress).Info("Antivirus scanner reachable")
		} else {
			logger.WithField("address", cfg.ClamAVAddress).Warn("Antivirus scanner not responding, scans will fail open")
		}
	}

	accounts := make(map[string]*pipeline.Account, len(cfg.Accounts))
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]

		provider := cfg.Provider(acc)
		model := cfg.Model(acc)
		classifier, err := classify.Resolve(provider, model)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acc.Name, err)
		}

		accounts[acc.Name] = &pipeline.Account{
			Config:     acc,
			Mailbox:    mailbox.NewIMAPClient(acc, logger),
			Classifier: classifier,
			Provider:   provider,
			Model:      model,
		}
	}

	return &Daemon{
		cfg:      cfg,
		store:    st,
		logger:   logger,
		tracker:  tracker,
		pipeline: pipeline.New(cfg, st, scanner, exec, tracker, logger),
		accounts: accounts,
	}, nil
}

// Run starts all background tasks and blocks until ctx is cancelled,
// then drains in-flight work within the shutdown grace period.
func (d *Daemon) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, acct := range d.accounts {
		acct := acct
		loop := watch.New(
			acct.Config,
			acct.Mailbox,
			d.cfg.PollInterval,
			d.cfg.FallbackInterval,
			d.dispatcher(acct),
			d.logger,
		)

		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	sweeper := retry.NewSweeper(d.cfg, d.store, d.reattempt, d.logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runLedgerCleanup(ctx)
	}()

	<-ctx.Done()
	d.logger.Info("Shutdown requested, waiting for watch loops")
	wg.Wait()

	if d.tracker.WaitForAll(d.cfg.ShutdownGrace) {
		d.logger.Info("All in-flight operations drained")
	} else {
		d.logger.WithField("remaining", d.tracker.Count()).Warn("Shutdown grace period elapsed with operations in flight")
	}

	for _, acct := range d.accounts {
		if err := acct.Mailbox.Close(); err != nil {
			d.logger.WithError(err).WithField("account", acct.Config.Name).Warn("Failed to close mailbox connection")
		}
	}
	return nil
}

// dispatcher returns the new-mail callback for one account: it
// enumerates unseen messages and pushes each through the pipeline in
// mailbox order.
func (d *Daemon) dispatcher(acct *pipeline.Account) watch.NewMailFunc {
	return func(ctx context.Context, count uint32) {
		uids, err := acct.Mailbox.SearchUnseen(acct.Config.WatchFolder)
		if err != nil {
			d.logger.WithError(err).WithField("account", acct.Config.Name).Warn("Failed to search for unseen messages")
			return
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

		for _, uid := range uids {
			if ctx.Err() != nil {
				return
			}
			d.pipeline.ProcessNew(ctx, acct, acct.Config.WatchFolder, uid)
		}
	}
}

// reattempt re-runs the pipeline for a dead-lettered message.
func (d *Daemon) reattempt(ctx context.Context, accountName, folder string, uid uint32) error {
	acct, ok := d.accounts[accountName]
	if !ok {
		return fmt.Errorf("account %s is no longer configured", accountName)
	}
	return d.pipeline.Process(ctx, acct, folder, uid)
}

// runLedgerCleanup sweeps expired idempotency records on an interval.
func (d *Daemon) runLedgerCleanup(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.store.CleanupProcessed(d.cfg.ProcessedTTL); err != nil {
				d.logger.WithError(err).Error("Ledger cleanup failed")
			}
		}
	}
}
