package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/metal0/mailpilot-sub003/internal/config"
)

// IMAPClient implements Client on top of go-imap. One instance exists
// per account and serializes all protocol commands through its mutex,
// which doubles as the mailbox's exclusive lock.
type IMAPClient struct {
	config *config.AccountConfig
	logger *logrus.Logger

	mu        sync.Mutex
	client    *client.Client
	connected bool
	idle      bool
}

// NewIMAPClient creates an IMAP client for the account. It does not
// connect; the first operation dials lazily.
func NewIMAPClient(cfg *config.AccountConfig, logger *logrus.Logger) *IMAPClient {
	return &IMAPClient{
		config: cfg,
		logger: logger,
	}
}

// Lock acquires the mailbox's exclusive lock.
func (c *IMAPClient) Lock() {
	c.mu.Lock()
}

// Unlock releases the mailbox's exclusive lock.
func (c *IMAPClient) Unlock() {
	c.mu.Unlock()
}

// ensureConnected dials and logs in if there is no live connection.
// Callers must hold the lock.
func (c *IMAPClient) ensureConnected() error {
	if c.connected && c.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.config.IMAPHost, c.config.IMAPPort)
	cl, err := client.DialTLS(addr, &tls.Config{
		ServerName: c.config.IMAPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := cl.Login(c.config.IMAPUsername, c.config.IMAPPassword); err != nil {
		cl.Logout() //nolint:errcheck
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	idle, err := cl.Support("IDLE")
	if err != nil {
		idle = false
	}

	c.client = cl
	c.connected = true
	c.idle = idle
	c.logger.WithFields(logrus.Fields{
		"account": c.config.Name,
		"idle":    idle,
	}).Info("Connected to IMAP server")
	return nil
}

// SupportsIdle reports whether the server advertises IDLE. It connects
// if needed so the capability answer is authoritative.
func (c *IMAPClient) SupportsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		c.logger.WithError(err).WithField("account", c.config.Name).Warn("Could not determine IDLE support")
		return false
	}
	return c.idle
}

// WaitForChange selects the folder and blocks in IDLE until the server
// pushes an update or ctx is cancelled. Callers must hold the lock.
func (c *IMAPClient) WaitForChange(ctx context.Context, folder string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if _, err := c.client.Select(folder, true); err != nil {
		c.dropConnection()
		return fmt.Errorf("failed to select folder: %w", err)
	}

	// Capture the connection: an IDLE fault drops c.client to force a
	// redial, and the deferred reset must target the old connection.
	cl := c.client
	updates := make(chan client.Update, 8)
	cl.Updates = updates
	defer func() { cl.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cl.Idle(stop, nil)
	}()

	select {
	case <-updates:
		close(stop)
		<-done
		return nil
	case err := <-done:
		if err != nil {
			c.dropConnection()
			return fmt.Errorf("idle failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		close(stop)
		<-done
		return ctx.Err()
	}
}

// Status returns the message count of a folder.
func (c *IMAPClient) Status(folder string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return 0, err
	}
	mbox, err := c.client.Select(folder, true)
	if err != nil {
		c.dropConnection()
		return 0, fmt.Errorf("failed to select folder: %w", err)
	}
	return mbox.Messages, nil
}

// SearchUnseen returns UIDs of unseen messages in mailbox order.
func (c *IMAPClient) SearchUnseen(folder string) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectFolder(folder, false); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		c.dropConnection()
		return nil, fmt.Errorf("failed to search unseen messages: %w", err)
	}
	return uids, nil
}

// Fetch retrieves the full raw source of a message without setting the
// \Seen flag. Callers must hold the lock.
func (c *IMAPClient) Fetch(folder string, uid uint32) ([]byte, error) {
	if err := c.selectFolder(folder, false); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		if literal := msg.GetBody(section); literal != nil {
			raw = readLiteral(literal)
		}
	}

	if err := <-done; err != nil {
		c.dropConnection()
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("message %d not found in %s", uid, folder)
	}
	return raw, nil
}

// MarkRead sets the \Seen flag on a message.
func (c *IMAPClient) MarkRead(folder string, uid uint32) error {
	return c.storeFlags(folder, uid, []interface{}{imap.SeenFlag})
}

// Move moves a message between folders.
func (c *IMAPClient) Move(uid uint32, from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectFolder(from, false); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := c.client.UidMove(seqSet, to); err != nil {
		c.dropConnection()
		return fmt.Errorf("failed to move message: %w", err)
	}
	return nil
}

// MarkSpam flags a message as junk in its current folder.
func (c *IMAPClient) MarkSpam(folder string, uid uint32) error {
	return c.storeFlags(folder, uid, []interface{}{"$Junk", "Junk"})
}

// ApplyFlags adds the given flags to a message.
func (c *IMAPClient) ApplyFlags(folder string, uid uint32, flags []string) error {
	items := make([]interface{}, len(flags))
	for i, flag := range flags {
		items[i] = flag
	}
	return c.storeFlags(folder, uid, items)
}

// Delete flags a message as deleted and expunges the folder.
func (c *IMAPClient) Delete(folder string, uid uint32) error {
	if err := c.storeFlags(folder, uid, []interface{}{imap.DeletedFlag}); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.selectFolder(folder, false); err != nil {
		return err
	}
	if err := c.client.Expunge(nil); err != nil {
		c.dropConnection()
		return fmt.Errorf("failed to expunge folder: %w", err)
	}
	return nil
}

// CreateFolder creates a mailbox folder.
func (c *IMAPClient) CreateFolder(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return err
	}
	if err := c.client.Create(name); err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}
	return nil
}

// Close logs out and drops the connection.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		err := c.client.Logout()
		c.client = nil
		c.connected = false
		return err
	}
	return nil
}

// storeFlags adds flags to a message via UID STORE.
func (c *IMAPClient) storeFlags(folder string, uid uint32, flags []interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.selectFolder(folder, false); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.client.UidStore(seqSet, item, flags, nil); err != nil {
		c.dropConnection()
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

// selectFolder connects if needed and selects the folder. Callers must
// hold the lock.
func (c *IMAPClient) selectFolder(folder string, readOnly bool) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if _, err := c.client.Select(folder, readOnly); err != nil {
		c.dropConnection()
		return fmt.Errorf("failed to select folder: %w", err)
	}
	return nil
}

// dropConnection discards a connection after a protocol fault so the
// next operation redials. Callers must hold the lock.
func (c *IMAPClient) dropConnection() {
	if c.client != nil {
		c.client.Terminate() //nolint:errcheck
	}
	c.client = nil
	c.connected = false
}

// readLiteral drains an IMAP literal into a byte slice.
func readLiteral(literal imap.Literal) []byte {
	raw := make([]byte, 0, 8192)
	buf := make([]byte, 4096)
	for {
		n, err := literal.Read(buf)
		if n > 0 {
			raw = append(raw, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
	}
	return raw
}
