package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/artpar/quotagate/core/events"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/rs/zerolog"
)

// mockEventLog implements ports.EventLog for testing.
type mockEventLog struct {
	mu        sync.Mutex
	appended  []quota.Transition
	appendErr error
	// failAfter > 0 makes appends fail once that many transitions are stored
	failAfter int
}

func (m *mockEventLog) Append(ctx context.Context, t quota.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if m.failAfter > 0 && len(m.appended) >= m.failAfter {
		return errors.New("database is locked")
	}
	m.appended = append(m.appended, t)
	return nil
}

func (m *mockEventLog) List(ctx context.Context, accountID string, limit int) ([]quota.Transition, error) {
	return nil, nil
}

func (m *mockEventLog) heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = 0
}

func (m *mockEventLog) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appended)
}

func transitionEvent(account string, to quota.State) events.Event {
	return events.Event{
		Name:       events.NameFor(to),
		Transition: quota.Transition{AccountID: account, From: quota.StateActive, To: to},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewHistoryWriter_Defaults(t *testing.T) {
	w := NewHistoryWriter(&mockEventLog{}, 0, 0, zerolog.Nop())
	defer w.Close()

	if w.batchSize != 100 {
		t.Errorf("default batchSize should be 100, got %d", w.batchSize)
	}
	if w.flushInterval != time.Second {
		t.Errorf("default flushInterval should be 1s, got %v", w.flushInterval)
	}
}

func TestHistoryWriter_FlushKeepsOrder(t *testing.T) {
	log := &mockEventLog{}
	w := NewHistoryWriter(log, 100, time.Hour, zerolog.Nop())
	defer w.Close()

	for i := 0; i < 10; i++ {
		w.HandleEvent(context.Background(), transitionEvent(fmt.Sprintf("acct-%d", i), quota.StateWarn))
	}
	if w.Pending() != 10 {
		t.Errorf("pending = %d, want 10", w.Pending())
	}

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if log.count() != 10 {
		t.Fatalf("appended %d, want 10", log.count())
	}
	for i, tr := range log.appended {
		if want := fmt.Sprintf("acct-%d", i); tr.AccountID != want {
			t.Errorf("appended[%d] = %s, want %s", i, tr.AccountID, want)
		}
	}
}

func TestHistoryWriter_BatchFlush(t *testing.T) {
	log := &mockEventLog{}
	w := NewHistoryWriter(log, 5, time.Hour, zerolog.Nop())
	defer w.Close()

	for i := 0; i < 5; i++ {
		w.HandleEvent(context.Background(), transitionEvent("acct", quota.StateWarn))
	}
	waitFor(t, func() bool { return log.count() == 5 })
}

func TestHistoryWriter_FlushLoop(t *testing.T) {
	log := &mockEventLog{}
	w := NewHistoryWriter(log, 100, 20*time.Millisecond, zerolog.Nop())
	defer w.Close()

	w.HandleEvent(context.Background(), transitionEvent("acct", quota.StateGrace))
	waitFor(t, func() bool { return log.count() == 1 })
}

func TestHistoryWriter_FlushEmpty(t *testing.T) {
	log := &mockEventLog{}
	w := NewHistoryWriter(log, 100, time.Hour, zerolog.Nop())
	defer w.Close()

	if err := w.Flush(context.Background()); err != nil {
		t.Errorf("Flush with no events should not error: %v", err)
	}
	if log.count() != 0 {
		t.Errorf("expected 0 events after empty flush, got %d", log.count())
	}
}

func TestHistoryWriter_CloseFlushes(t *testing.T) {
	log := &mockEventLog{}
	w := NewHistoryWriter(log, 100, time.Hour, zerolog.Nop())

	for i := 0; i < 3; i++ {
		w.HandleEvent(context.Background(), transitionEvent("acct", quota.StateWarn))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if log.count() != 3 {
		t.Errorf("Close should flush remaining events, got %d", log.count())
	}
	// second close is a no-op
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestHistoryWriter_AppendError(t *testing.T) {
	log := &mockEventLog{appendErr: errors.New("disk full")}
	w := NewHistoryWriter(log, 100, time.Hour, zerolog.Nop())
	defer w.Close()

	w.HandleEvent(context.Background(), transitionEvent("acct", quota.StateWarn))
	if err := w.Flush(context.Background()); err == nil {
		t.Error("Flush should report the append error")
	}
}

func TestHistoryWriter_Concurrent(t *testing.T) {
	log := &mockEventLog{}
	w := NewHistoryWriter(log, 7, 10*time.Millisecond, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				w.HandleEvent(context.Background(), transitionEvent("acct", quota.StateWarn))
			}
		}()
	}
	wg.Wait()

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := log.count(); got != 100 {
		t.Errorf("expected 100 events, got %d", got)
	}
}

func TestHistoryWriter_RetriesUnwrittenTail(t *testing.T) {
	log := &mockEventLog{failAfter: 2}
	w := NewHistoryWriter(log, 100, time.Hour, zerolog.Nop())
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		w.HandleEvent(ctx, transitionEvent(fmt.Sprintf("acct-%d", i), quota.StateWarn))
	}
	if err := w.Flush(ctx); err == nil {
		t.Fatal("Flush should report the append error")
	}
	if n := w.Pending(); n != 3 {
		t.Fatalf("pending after failure = %d, want 3", n)
	}

	// queued after the failure, must stay behind the retried tail
	w.HandleEvent(ctx, transitionEvent("acct-5", quota.StateWarn))
	log.heal()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}

	if log.count() != 6 {
		t.Fatalf("appended = %d, want 6", log.count())
	}
	for i, tr := range log.appended {
		if want := fmt.Sprintf("acct-%d", i); tr.AccountID != want {
			t.Errorf("appended[%d] = %s, want %s", i, tr.AccountID, want)
		}
	}
}
