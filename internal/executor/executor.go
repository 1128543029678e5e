package executor

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/metal0/mailpilot-sub003/internal/config"
	"github.com/metal0/mailpilot-sub003/internal/mailbox"
	"github.com/metal0/mailpilot-sub003/pkg/types"
)

// Executor applies classifier actions against the mailbox, enforcing
// the account's folder policy. Policy violations and malformed actions
// are skipped with a warning, never treated as faults; only mailbox
// errors propagate to the caller.
type Executor struct {
	folders *FolderCache
	logger  *logrus.Logger
}

// New creates an executor sharing the given folder-creation cache.
func New(folders *FolderCache, logger *logrus.Logger) *Executor {
	return &Executor{
		folders: folders,
		logger:  logger,
	}
}

// Apply dispatches a resolved action for the message at uid in folder.
func (e *Executor) Apply(mbox mailbox.Client, action *types.Action, acc *config.AccountConfig, folder string, uid uint32) error {
	log := e.logger.WithFields(logrus.Fields{
		"account": acc.Name,
		"folder":  folder,
		"uid":     uid,
		"action":  action.Type,
	})

	switch action.Type {
	case types.ActionMove:
		if action.Folder == "" {
			log.Warn("Move action has no target folder, skipping")
			return nil
		}
		if acc.FolderMode == config.FolderModePredefined && len(acc.AllowedFolders) > 0 && !folderAllowed(acc.AllowedFolders, action.Folder) {
			log.WithField("target", action.Folder).Warn("Move target not in allowed folders, skipping")
			return nil
		}
		if err := e.ensureFolderExists(mbox, action.Folder); err != nil {
			return fmt.Errorf("failed to ensure folder %s: %w", action.Folder, err)
		}
		if err := mbox.Move(uid, folder, action.Folder); err != nil {
			return fmt.Errorf("failed to move message: %w", err)
		}
		log.WithField("target", action.Folder).Info("Moved message")

	case types.ActionSpam:
		if err := mbox.MarkSpam(folder, uid); err != nil {
			return fmt.Errorf("failed to mark message as spam: %w", err)
		}
		log.Info("Marked message as spam")

	case types.ActionFlag:
		if len(action.Flags) == 0 {
			log.Warn("Flag action has no flags, skipping")
			return nil
		}
		if err := mbox.ApplyFlags(folder, uid, action.Flags); err != nil {
			return fmt.Errorf("failed to apply flags: %w", err)
		}
		log.WithField("flags", action.Flags).Info("Applied flags")

	case types.ActionRead:
		if err := mbox.MarkRead(folder, uid); err != nil {
			return fmt.Errorf("failed to mark message read: %w", err)
		}
		log.Info("Marked message read")

	case types.ActionDelete:
		if err := mbox.Delete(folder, uid); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		log.Info("Deleted message")

	case types.ActionNoop:
		log.WithField("reason", action.Reason).Info("No action taken")

	default:
		log.WithField("type", action.Type).Warn("Unknown action type, ignoring")
	}

	return nil
}

// ensureFolderExists creates the folder unless the cache says it
// already exists. Only a successful creation is cached, so a failed
// call is retried the next time the folder is needed.
func (e *Executor) ensureFolderExists(mbox mailbox.Client, name string) error {
	if e.folders.Has(name) {
		return nil
	}
	if err := mbox.CreateFolder(name); err != nil {
		return err
	}
	e.folders.Add(name)
	return nil
}

func folderAllowed(allowed []string, target string) bool {
	for _, folder := range allowed {
		if folder == target {
			return true
		}
	}
	return false
}
