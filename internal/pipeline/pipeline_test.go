package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal0/mailpilot-sub003/internal/classify"
	"github.com/metal0/mailpilot-sub003/internal/config"
	"github.com/metal0/mailpilot-sub003/internal/executor"
	"github.com/metal0/mailpilot-sub003/internal/inflight"
	"github.com/metal0/mailpilot-sub003/internal/store"
	"github.com/metal0/mailpilot-sub003/pkg/types"
)

type fakeMailbox struct {
	raw      []byte
	fetchErr error
	calls    []string
}

func (f *fakeMailbox) Lock()              {}
func (f *fakeMailbox) Unlock()            {}
func (f *fakeMailbox) SupportsIdle() bool { return false }
func (f *fakeMailbox) Close() error       { return nil }

func (f *fakeMailbox) WaitForChange(context.Context, string) error { return nil }
func (f *fakeMailbox) Status(string) (uint32, error)               { return 0, nil }
func (f *fakeMailbox) SearchUnseen(string) ([]uint32, error)       { return nil, nil }

func (f *fakeMailbox) Fetch(folder string, uid uint32) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.raw, nil
}

func (f *fakeMailbox) MarkRead(folder string, uid uint32) error {
	f.calls = append(f.calls, fmt.Sprintf("read %d", uid))
	return nil
}

func (f *fakeMailbox) Move(uid uint32, from, to string) error {
	f.calls = append(f.calls, fmt.Sprintf("move %d -> %s", uid, to))
	return nil
}

func (f *fakeMailbox) MarkSpam(folder string, uid uint32) error {
	f.calls = append(f.calls, fmt.Sprintf("spam %d", uid))
	return nil
}

func (f *fakeMailbox) ApplyFlags(folder string, uid uint32, flags []string) error {
	f.calls = append(f.calls, fmt.Sprintf("flag %d", uid))
	return nil
}

func (f *fakeMailbox) Delete(folder string, uid uint32) error {
	f.calls = append(f.calls, fmt.Sprintf("delete %d", uid))
	return nil
}

func (f *fakeMailbox) CreateFolder(name string) error {
	f.calls = append(f.calls, "create "+name)
	return nil
}

type staticClassifier struct {
	action *types.Action
	err    error
	seen   []classify.Context
}

func (s *staticClassifier) Classify(_ context.Context, _ *types.ParsedEmail, policy classify.Context) (*types.Action, error) {
	s.seen = append(s.seen, policy)
	return s.action, s.err
}

func rawTestMessage(messageID string) []byte {
	return []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: Invoice",
		"Message-Id: " + messageID,
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Please pay.",
	}, "\r\n"))
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *config.Config) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		RetryBaseDelay:  5 * time.Second,
		RetryMaxDelay:   24 * time.Hour,
		RetryMultiplier: 2.0,
		ScanAttachments: true,
	}

	exec := executor.New(executor.NewFolderCache(), logger)
	tracker := inflight.NewTracker(logger)
	return New(cfg, st, nil, exec, tracker, logger), st, cfg
}

func testAccount(mbox *fakeMailbox, cls classify.Classifier) *Account {
	return &Account{
		Config: &config.AccountConfig{
			Name:        "work",
			WatchFolder: "INBOX",
			FolderMode:  config.FolderModeAuto,
		},
		Mailbox:    mbox,
		Classifier: cls,
		Provider:   "noop",
		Model:      "none",
	}
}

func TestProcessAppliesActionAndMarksProcessed(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	mbox := &fakeMailbox{raw: rawTestMessage("<inv-1@example.com>")}
	cls := &staticClassifier{action: &types.Action{Type: types.ActionMove, Folder: "Receipts"}}
	acct := testAccount(mbox, cls)

	require.NoError(t, p.Process(context.Background(), acct, "INBOX", 42))
	assert.Equal(t, []string{"create Receipts", "move 42 -> Receipts"}, mbox.calls)

	processed, err := st.IsProcessed("<inv-1@example.com>", "work")
	require.NoError(t, err)
	assert.True(t, processed)

	audits, err := st.RecentAudits(5)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "<inv-1@example.com>", audits[0].MessageID)
	assert.Equal(t, "Invoice", audits[0].Subject)
}

func TestProcessSkipsAlreadyProcessed(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	mbox := &fakeMailbox{raw: rawTestMessage("<inv-2@example.com>")}
	cls := &staticClassifier{action: &types.Action{Type: types.ActionDelete}}
	acct := testAccount(mbox, cls)

	require.NoError(t, st.MarkProcessed("<inv-2@example.com>", "work"))

	require.NoError(t, p.Process(context.Background(), acct, "INBOX", 43))
	// No mutation and no classification happened.
	assert.Empty(t, mbox.calls)
	assert.Empty(t, cls.seen)
}

func TestProcessClassifierErrorPropagates(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	mbox := &fakeMailbox{raw: rawTestMessage("<inv-3@example.com>")}
	cls := &staticClassifier{err: fmt.Errorf("model unavailable")}
	acct := testAccount(mbox, cls)

	err := p.Process(context.Background(), acct, "INBOX", 44)
	require.Error(t, err)
	assert.Empty(t, mbox.calls)

	// A failed message is not marked processed.
	processed, lerr := st.IsProcessed("<inv-3@example.com>", "work")
	require.NoError(t, lerr)
	assert.False(t, processed)
}

func TestProcessNewDeadLettersOnFailure(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	mbox := &fakeMailbox{fetchErr: fmt.Errorf("connection reset")}
	cls := &staticClassifier{action: &types.Action{Type: types.ActionNoop}}
	acct := testAccount(mbox, cls)

	p.ProcessNew(context.Background(), acct, "INBOX", 45)

	entries, err := st.DueDeadLetters(time.Now().Add(48 * time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "uid-45", entries[0].MessageID)
	assert.Equal(t, "work", entries[0].AccountName)
	assert.Equal(t, uint32(45), entries[0].UID)
	assert.Contains(t, entries[0].Error, "connection reset")
	assert.Equal(t, store.RetryStatusPending, entries[0].RetryStatus)
}

func TestProcessNewDoesNotDuplicateDeadLetters(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	mbox := &fakeMailbox{fetchErr: fmt.Errorf("connection reset")}
	cls := &staticClassifier{action: &types.Action{Type: types.ActionNoop}}
	acct := testAccount(mbox, cls)

	// The message stays unseen while it fails, so every poll
	// re-dispatches the same uid. Only the first failure may open a
	// dead letter; the sweeper owns the retry budget from there.
	for i := 0; i < 3; i++ {
		p.ProcessNew(context.Background(), acct, "INBOX", 45)
	}

	entries, err := st.DueDeadLetters(time.Now().Add(48 * time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "uid-45", entries[0].MessageID)
}

func TestProcessNewRecordsParsedMessageID(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	mbox := &fakeMailbox{raw: rawTestMessage("<inv-9@example.com>")}
	cls := &staticClassifier{err: fmt.Errorf("model unavailable")}
	acct := testAccount(mbox, cls)

	// A failure after parsing keeps the real Message-Id on the dead
	// letter; the synthetic uid-<n> id is only for pre-parse failures.
	p.ProcessNew(context.Background(), acct, "INBOX", 47)

	entries, err := st.DueDeadLetters(time.Now().Add(48 * time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "<inv-9@example.com>", entries[0].MessageID)
}

func TestProcessNewSuccessLeavesNoDeadLetter(t *testing.T) {
	p, st, _ := newTestPipeline(t)
	mbox := &fakeMailbox{raw: rawTestMessage("<inv-4@example.com>")}
	cls := &staticClassifier{action: &types.Action{Type: types.ActionRead}}
	acct := testAccount(mbox, cls)

	p.ProcessNew(context.Background(), acct, "INBOX", 46)

	entries, err := st.DueDeadLetters(time.Now().Add(48 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []string{"read 46"}, mbox.calls)
}
