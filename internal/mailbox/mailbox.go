package mailbox

import "context"

// Client is the mailbox capability the daemon works against. The watch
// loop holds the client's exclusive lock only for the span of a single
// wait or fetch, never across a full pipeline run, so other operations
// on the same mailbox are not starved.
type Client interface {
	// Lock acquires the mailbox's exclusive lock; Unlock releases it.
	// WaitForChange and Fetch must be called with the lock held; the
	// mutating operations manage the lock themselves.
	Lock()
	Unlock()

	// SupportsIdle reports whether the server can push change
	// notifications. Queried once at watch-loop start.
	SupportsIdle() bool

	// WaitForChange blocks until the server signals a mailbox change
	// or ctx is cancelled.
	WaitForChange(ctx context.Context, folder string) error

	// Status returns the message count of a folder.
	Status(folder string) (uint32, error)

	// SearchUnseen returns the UIDs of unseen messages in a folder,
	// in mailbox order.
	SearchUnseen(folder string) ([]uint32, error)

	// Fetch returns the full raw source of a message.
	Fetch(folder string, uid uint32) ([]byte, error)

	MarkRead(folder string, uid uint32) error
	Move(uid uint32, from, to string) error
	MarkSpam(folder string, uid uint32) error
	ApplyFlags(folder string, uid uint32, flags []string) error
	Delete(folder string, uid uint32) error
	CreateFolder(name string) error

	Close() error
}
