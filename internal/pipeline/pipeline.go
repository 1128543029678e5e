package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/metal0/mailpilot-sub003/internal/antivirus"
	"github.com/metal0/mailpilot-sub003/internal/backoff"
	"github.com/metal0/mailpilot-sub003/internal/classify"
	"github.com/metal0/mailpilot-sub003/internal/config"
	"github.com/metal0/mailpilot-sub003/internal/executor"
	"github.com/metal0/mailpilot-sub003/internal/inflight"
	"github.com/metal0/mailpilot-sub003/internal/mailbox"
	"github.com/metal0/mailpilot-sub003/internal/store"
)

// Account bundles the resolved runtime bindings for one configured
// mailbox account: its config, mailbox client and classifier. Built
// once at startup and owned by that account's watch loop.
type Account struct {
	Config     *config.AccountConfig
	Mailbox    mailbox.Client
	Classifier classify.Classifier
	Provider   string
	Model      string
}

// Pipeline runs a single message through fetch, parse, scan, classify
// and act. All collaborators are shared across accounts.
type Pipeline struct {
	cfg      *config.Config
	store    *store.Store
	scanner  *antivirus.Client
	executor *executor.Executor
	tracker  *inflight.Tracker
	logger   *logrus.Logger
}

// New creates a pipeline. scanner may be nil when no antivirus daemon
// is configured.
func New(cfg *config.Config, st *store.Store, scanner *antivirus.Client, exec *executor.Executor, tracker *inflight.Tracker, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		scanner:  scanner,
		executor: exec,
		tracker:  tracker,
		logger:   logger,
	}
}

// Process runs one message through the full pipeline. Failures are
// returned to the caller, which decides between dead-lettering (new
// mail) and retry bookkeeping (the sweeper).
func (p *Pipeline) Process(ctx context.Context, acct *Account, folder string, uid uint32) error {
	_, err := p.run(ctx, acct, folder, uid)
	return err
}

// run is the pipeline body. It returns the message id alongside any
// error: empty when the failure happened before the fetch produced a
// parseable message.
func (p *Pipeline) run(ctx context.Context, acct *Account, folder string, uid uint32) (string, error) {
	opID := uuid.NewString()
	p.tracker.Start(opID, fmt.Sprintf("process %s/%s uid %d", acct.Config.Name, folder, uid))
	defer p.tracker.Complete(opID)

	log := p.logger.WithFields(logrus.Fields{
		"account": acct.Config.Name,
		"folder":  folder,
		"uid":     uid,
	})

	// Hold the mailbox lock only for the fetch itself, never across
	// scanning or classification.
	acct.Mailbox.Lock()
	raw, err := acct.Mailbox.Fetch(folder, uid)
	acct.Mailbox.Unlock()
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}

	parsed, targets := Parse(raw, uid)
	log = log.WithField("message_id", parsed.MessageID)

	// Idempotency check before anything mutates the mailbox, so a
	// crash-and-restart cannot double-apply an action.
	processed, err := p.store.IsProcessed(parsed.MessageID, acct.Config.Name)
	if err != nil {
		return parsed.MessageID, fmt.Errorf("ledger check failed: %w", err)
	}
	if processed {
		log.Debug("Message already processed, skipping")
		return parsed.MessageID, nil
	}

	scanCtx := p.scanAttachments(targets, log)

	action, err := acct.Classifier.Classify(ctx, parsed, classify.Context{
		AccountName:    acct.Config.Name,
		Folder:         folder,
		AllowedFolders: acct.Config.AllowedFolders,
		Infected:       scanCtx.Infected,
		Virus:          scanCtx.Virus,
		ScanError:      scanCtx.ScanError,
	})
	if err != nil {
		return parsed.MessageID, fmt.Errorf("classification failed: %w", err)
	}

	if err := p.executor.Apply(acct.Mailbox, action, acct.Config, folder, uid); err != nil {
		return parsed.MessageID, fmt.Errorf("action failed: %w", err)
	}

	if err := p.store.MarkProcessed(parsed.MessageID, acct.Config.Name); err != nil {
		return parsed.MessageID, fmt.Errorf("failed to mark processed: %w", err)
	}

	if err := p.store.RecordAudit(parsed.MessageID, acct.Config.Name, action, acct.Provider, acct.Model, parsed.Subject); err != nil {
		log.WithError(err).Warn("Failed to record audit entry")
	}

	log.WithField("action", action.Type).Info("Processed message")
	return parsed.MessageID, nil
}

// ProcessNew handles a freshly detected message: on pipeline failure it
// records a pending dead-letter entry for the retry sweeper instead of
// propagating the error. The message stays unseen while it fails, so
// every poll re-dispatches the same uid; only the first failure opens a
// dead letter and the sweeper owns it from there.
func (p *Pipeline) ProcessNew(ctx context.Context, acct *Account, folder string, uid uint32) {
	messageID, err := p.run(ctx, acct, folder, uid)
	if err == nil {
		return
	}

	log := p.logger.WithFields(logrus.Fields{
		"account": acct.Config.Name,
		"folder":  folder,
		"uid":     uid,
	})
	log.WithError(err).Error("Pipeline failed, dead-lettering message")

	open, dlErr := p.store.HasOpenDeadLetter(acct.Config.Name, folder, uid)
	if dlErr != nil {
		log.WithError(dlErr).Error("Failed to check for open dead letter")
	}
	if open {
		log.Debug("Dead letter already open, leaving the retry to the sweeper")
		return
	}

	delay := backoff.NextDelay(1, p.cfg.RetryBaseDelay.Milliseconds(), p.cfg.RetryMaxDelay.Milliseconds(), p.cfg.RetryMultiplier, backoff.DefaultRand)
	nextRetry := time.Now().Add(time.Duration(delay) * time.Millisecond)

	// A failure before parsing has no real message id; fall back to a
	// synthetic one so the row is still traceable.
	if messageID == "" {
		messageID = fmt.Sprintf("uid-%d", uid)
	}
	if _, dlErr := p.store.InsertDeadLetter(messageID, acct.Config.Name, folder, uid, err.Error(), nextRetry); dlErr != nil {
		log.WithError(dlErr).Error("Failed to insert dead letter")
	}
}

// scanOutcome summarizes attachment scanning for the classifier.
type scanOutcome struct {
	Infected  bool
	Virus     string
	ScanError string
}

// scanAttachments scans each staged attachment, failing open: a
// scanner fault is recorded as an annotation and the message is
// treated as clean so a scanner outage never blocks mail processing.
func (p *Pipeline) scanAttachments(targets []ScanTarget, log *logrus.Entry) scanOutcome {
	var outcome scanOutcome
	if p.scanner == nil || !p.cfg.ScanAttachments || len(targets) == 0 {
		return outcome
	}

	for _, target := range targets {
		result := p.scanner.Scan(target.Data, target.Filename)
		if result.Error != "" {
			outcome.ScanError = result.Error
			log.WithField("file", target.Filename).WithField("scan_error", result.Error).Warn("Attachment scan failed, treating as clean")
			continue
		}
		if result.Infected {
			outcome.Infected = true
			outcome.Virus = result.Virus
			log.WithFields(logrus.Fields{
				"file":  target.Filename,
				"virus": result.Virus,
			}).Warn("Infected attachment detected")
			break
		}
	}
	return outcome
}
