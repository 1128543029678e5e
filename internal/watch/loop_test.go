package watch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal0/mailpilot-sub003/internal/config"
)

// fakeWatchMailbox drives the loop from a test: change notifications
// arrive on changeCh, Status returns the configured count.
type fakeWatchMailbox struct {
	mu          sync.Mutex
	idle        bool
	count       uint32
	statusErr   error
	statusCalls int
	changeCh    chan struct{}
}

func (f *fakeWatchMailbox) Lock()              {}
func (f *fakeWatchMailbox) Unlock()            {}
func (f *fakeWatchMailbox) SupportsIdle() bool { return f.idle }
func (f *fakeWatchMailbox) Close() error       { return nil }

func (f *fakeWatchMailbox) WaitForChange(ctx context.Context, folder string) error {
	select {
	case <-f.changeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeWatchMailbox) Status(string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.count, f.statusErr
}

func (f *fakeWatchMailbox) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeWatchMailbox) SearchUnseen(string) ([]uint32, error)     { return nil, nil }
func (f *fakeWatchMailbox) Fetch(string, uint32) ([]byte, error)      { return nil, nil }
func (f *fakeWatchMailbox) MarkRead(string, uint32) error             { return nil }
func (f *fakeWatchMailbox) Move(uint32, string, string) error         { return nil }
func (f *fakeWatchMailbox) MarkSpam(string, uint32) error             { return nil }
func (f *fakeWatchMailbox) ApplyFlags(string, uint32, []string) error { return nil }
func (f *fakeWatchMailbox) Delete(string, uint32) error               { return nil }
func (f *fakeWatchMailbox) CreateFolder(string) error                 { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testWatchAccount() *config.AccountConfig {
	return &config.AccountConfig{Name: "work", WatchFolder: "INBOX"}
}

func TestPollingModeDispatches(t *testing.T) {
	mbox := &fakeWatchMailbox{count: 3}

	var mu sync.Mutex
	var counts []uint32
	onNewMail := func(_ context.Context, count uint32) {
		mu.Lock()
		counts = append(counts, count)
		mu.Unlock()
	}

	loop := New(testWatchAccount(), mbox, 50*time.Millisecond, 50*time.Millisecond, onNewMail, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, counts)
	assert.Equal(t, uint32(3), counts[0])
}

func TestPollingModeSkipsEmptyMailbox(t *testing.T) {
	mbox := &fakeWatchMailbox{count: 0}

	dispatched := false
	loop := New(testWatchAccount(), mbox, 50*time.Millisecond, 50*time.Millisecond, func(context.Context, uint32) {
		dispatched = true
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	assert.False(t, dispatched)
}

func TestEventDrivenModeDispatchesOnNotification(t *testing.T) {
	mbox := &fakeWatchMailbox{idle: true, count: 1, changeCh: make(chan struct{}, 1)}

	got := make(chan uint32, 1)
	loop := New(testWatchAccount(), mbox, time.Minute, time.Minute, func(_ context.Context, count uint32) {
		select {
		case got <- count:
		default:
		}
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	mbox.changeCh <- struct{}{}

	select {
	case count := <-got:
		assert.Equal(t, uint32(1), count)
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch after notification")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestPollingErrorSleepsFallbackOnly(t *testing.T) {
	// With an hour-long poll interval, repeated status checks within the
	// test window prove the error cycle waits only the short fallback
	// interval, not fallback plus the poll interval.
	mbox := &fakeWatchMailbox{statusErr: fmt.Errorf("connection reset")}
	loop := New(testWatchAccount(), mbox, time.Hour, 30*time.Millisecond, func(context.Context, uint32) {}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	assert.GreaterOrEqual(t, mbox.statusCount(), 3)
}

func TestLoopStopsPromptlyOnCancel(t *testing.T) {
	mbox := &fakeWatchMailbox{count: 0}
	loop := New(testWatchAccount(), mbox, time.Hour, time.Hour, func(context.Context, uint32) {}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not observe cancellation")
	}
}
