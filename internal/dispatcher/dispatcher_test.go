package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func (l *testLogger) hasPrefix(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, msg := range l.messages {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got Command
	d.Register("save", func(_ context.Context, c Command) (any, error) {
		got = c
		return "result", nil
	})

	result, err := d.Dispatch(context.Background(), Command{RecordID: "r1", Action: "save", Args: []string{"arg1"}})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got.RecordID != "r1" {
		t.Errorf("expected record r1, got %q", got.RecordID)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped")
	}
	if result != "result" {
		t.Errorf("expected 'result', got %v", result)
	}
}

func TestDispatcher_UnknownAction(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), Command{Action: "unknown"})

	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestDispatcher_ForRecordRequiresID(t *testing.T) {
	d, _ := newTestDispatcher(t)

	called := false
	d.Register("delete", func(_ context.Context, c Command) (any, error) {
		called = true
		return nil, nil
	}, ForRecord())

	_, err := d.Dispatch(context.Background(), Command{Action: "delete"})
	if !errors.Is(err, ErrMissingRecord) {
		t.Errorf("expected ErrMissingRecord, got %v", err)
	}
	if called {
		t.Error("handler should not run without a record id")
	}

	if _, err := d.Dispatch(context.Background(), Command{RecordID: "r1", Action: "delete"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestDispatcher_PassesContext(t *testing.T) {
	d, _ := newTestDispatcher(t)

	type key struct{}
	d.Register("ctx", func(ctx context.Context, _ Command) (any, error) {
		return ctx.Value(key{}), nil
	})

	ctx := context.WithValue(context.Background(), key{}, "value")
	result, err := d.Dispatch(ctx, Command{Action: "ctx"})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result != "value" {
		t.Errorf("expected context value, got %v", result)
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Register("sync", func(_ context.Context, c Command) (any, error) {
		processed.Add(1)
		wg.Done()
		return nil, nil
	}, Buffered(100))

	for i := 0; i < 3; i++ {
		result, err := d.Dispatch(context.Background(), Command{Action: "sync"})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if result != "queued" {
			t.Errorf("expected 'queued', got %v", result)
		}
	}

	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_BufferedSurvivesCallerCancel(t *testing.T) {
	d, _ := newTestDispatcher(t)

	errs := make(chan error, 1)
	d.Register("later", func(ctx context.Context, _ Command) (any, error) {
		errs <- ctx.Err()
		return nil, nil
	}, Buffered(1))

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := d.Dispatch(ctx, Command{Action: "later"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	select {
	case err := <-errs:
		if err != nil {
			t.Errorf("queued command saw cancelled context: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued command never ran")
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	d.Register("full", func(_ context.Context, c Command) (any, error) {
		<-block
		return nil, nil
	}, Buffered(2))

	d.Dispatch(context.Background(), Command{Action: "full"}) // being processed
	d.Dispatch(context.Background(), Command{Action: "full"}) // queued
	d.Dispatch(context.Background(), Command{Action: "full"}) // queued

	_, err := d.Dispatch(context.Background(), Command{Action: "full"})

	if err == nil {
		t.Error("expected error when queue is full")
	}

	close(block)
}

func TestDispatcher_BufferedBlocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	d.Register("blocking", func(_ context.Context, c Command) (any, error) {
		<-block
		return nil, nil
	}, Buffered(1), Blocking())

	d.Dispatch(context.Background(), Command{Action: "blocking"})
	d.Dispatch(context.Background(), Command{Action: "blocking"})

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), Command{Action: "blocking"})
		close(done)
	}()

	select {
	case <-done:
		t.Error("dispatch should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
}

func TestDispatcher_BufferedErrorIsLogged(t *testing.T) {
	d, logger := newTestDispatcher(t)

	var wg sync.WaitGroup
	wg.Add(1)
	d.Register("boom", func(_ context.Context, c Command) (any, error) {
		defer wg.Done()
		return nil, errors.New("boom")
	}, Buffered(1))

	d.Dispatch(context.Background(), Command{RecordID: "r1", Action: "boom"})
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for !logger.hasPrefix("ERROR") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !logger.hasPrefix("ERROR") {
		t.Error("expected queued failure to be logged")
	}
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("logged", func(_ context.Context, c Command) (any, error) {
		return "ok", nil
	}, Logged())

	d.Dispatch(context.Background(), Command{Action: "logged", Args: []string{"a", "b"}})

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if len(logger.messages) < 2 {
		t.Errorf("expected at least 2 log messages, got %d", len(logger.messages))
	}
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("error", func(_ context.Context, c Command) (any, error) {
		return nil, fmt.Errorf("test error")
	}, Logged())

	d.Dispatch(context.Background(), Command{Action: "error"})

	if !logger.hasPrefix("ERROR") {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register("exists", func(_ context.Context, c Command) (any, error) { return nil, nil })

	if !d.HasHandler("exists") {
		t.Error("expected handler to exist")
	}

	if d.HasHandler("not-exists") {
		t.Error("expected handler to not exist")
	}
}

func TestDispatcher_Actions(t *testing.T) {
	d, _ := newTestDispatcher(t)

	nop := func(_ context.Context, c Command) (any, error) { return nil, nil }
	d.Register("b", nop)
	d.Register("a", nop)

	got := d.Actions()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected actions %v", got)
	}
}

func TestDispatcher_CombinedOptions(t *testing.T) {
	d, logger := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)

	d.Register("combined", func(_ context.Context, c Command) (any, error) {
		processed.Add(1)
		wg.Done()
		return "done", nil
	}, Buffered(100), Logged(), ForRecord())

	result, err := d.Dispatch(context.Background(), Command{RecordID: "r1", Action: "combined"})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result != "queued" {
		t.Errorf("expected 'queued', got %v", result)
	}

	wg.Wait()

	if processed.Load() != 1 {
		t.Errorf("expected 1 processed, got %d", processed.Load())
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if len(logger.messages) < 2 {
		t.Errorf("expected log messages, got %d", len(logger.messages))
	}
}
