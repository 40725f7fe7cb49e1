package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/askarov/gatekeeper-bot/internal/models"
	"github.com/askarov/gatekeeper-bot/internal/storage"
)

type stubAnalyzer struct {
	verdict models.Verdict
	err     error
	calls   [][]string
}

func (a *stubAnalyzer) Classify(ctx context.Context, messages []string) (models.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return models.VerdictNone, err
	}
	batch := append([]string(nil), messages...)
	a.calls = append(a.calls, batch)
	return a.verdict, a.err
}

func newTestTracker(a *stubAnalyzer) (*Tracker, storage.Storage) {
	store := storage.NewMemoryStorage()
	tr := New(store, a, Config{
		WindowSize:      5,
		Duration:        24 * time.Hour,
		ClassifyTimeout: time.Second,
	}, zap.NewNop())
	return tr, store
}

func TestAppendWithoutWindow(t *testing.T) {
	tr, _ := newTestTracker(&stubAnalyzer{})

	if _, _, err := tr.Append(context.Background(), -100, 42, "hello", 1); !errors.Is(err, ErrNoWindow) {
		t.Errorf("Append = %v, want ErrNoWindow", err)
	}
}

func TestWindowSealsAndClassifiesOnce(t *testing.T) {
	a := &stubAnalyzer{verdict: models.VerdictSpam}
	tr, _ := newTestTracker(a)
	ctx := context.Background()

	if err := tr.Open(ctx, -100, 42); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 1; i <= 4; i++ {
		verdict, _, err := tr.Append(ctx, -100, 42, fmt.Sprintf("message %d", i), 1000+i)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if verdict != models.VerdictNone {
			t.Fatalf("Append %d verdict = %q, want none while accumulating", i, verdict)
		}
	}

	verdict, flagged, err := tr.Append(ctx, -100, 42, "message 5", 1005)
	if err != nil {
		t.Fatalf("sealing Append failed: %v", err)
	}
	if verdict != models.VerdictSpam {
		t.Errorf("verdict = %q, want spam", verdict)
	}

	if len(a.calls) != 1 {
		t.Fatalf("analyzer called %d times, want 1", len(a.calls))
	}
	want := []string{"message 1", "message 2", "message 3", "message 4", "message 5"}
	got := a.calls[0]
	if len(got) != len(want) {
		t.Fatalf("batch length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("batch[%d] = %q, want %q (order must be preserved)", i, got[i], want[i])
		}
	}

	if len(flagged) != 5 {
		t.Fatalf("flagged ids = %v, want all 5", flagged)
	}
	for i, id := range flagged {
		if id != int64(1001+i) {
			t.Errorf("flagged[%d] = %d, want %d", i, id, 1001+i)
		}
	}

	// The window is gone: message six is from an untracked user.
	if _, _, err := tr.Append(ctx, -100, 42, "message 6", 1006); !errors.Is(err, ErrNoWindow) {
		t.Errorf("post-seal Append = %v, want ErrNoWindow", err)
	}
}

func TestBenignVerdictDestroysWindow(t *testing.T) {
	a := &stubAnalyzer{verdict: models.VerdictBenign}
	tr, store := newTestTracker(a)
	ctx := context.Background()

	if err := tr.Open(ctx, -100, 42); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	var verdict models.Verdict
	var err error
	for i := 0; i < 5; i++ {
		verdict, _, err = tr.Append(ctx, -100, 42, "chat", 200+i)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if verdict != models.VerdictBenign {
		t.Errorf("verdict = %q, want benign", verdict)
	}
	if _, err := store.GetWindow(ctx, -100, 42); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("window still stored after classification: %v", err)
	}
}

func TestAnalyzerFailureFailsOpen(t *testing.T) {
	a := &stubAnalyzer{err: errors.New("upstream timeout")}
	tr, store := newTestTracker(a)
	ctx := context.Background()

	if err := tr.Open(ctx, -100, 42); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	var verdict models.Verdict
	var err error
	for i := 0; i < 5; i++ {
		verdict, _, err = tr.Append(ctx, -100, 42, "chat", 200+i)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if verdict != models.VerdictBenign {
		t.Errorf("verdict on analyzer failure = %q, want benign (fail open)", verdict)
	}
	// No retry of a consumed window.
	if _, err := store.GetWindow(ctx, -100, 42); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("window retained after failed classification: %v", err)
	}
}

func TestZeroClassifyTimeoutDefaults(t *testing.T) {
	a := &stubAnalyzer{verdict: models.VerdictSpam}
	store := storage.NewMemoryStorage()
	tr := New(store, a, Config{
		WindowSize: 5,
		Duration:   24 * time.Hour,
	}, zap.NewNop())

	if tr.cfg.ClassifyTimeout != defaultClassifyTimeout {
		t.Fatalf("ClassifyTimeout = %v, want %v", tr.cfg.ClassifyTimeout, defaultClassifyTimeout)
	}

	ctx := context.Background()
	if err := tr.Open(ctx, -100, 42); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	var verdict models.Verdict
	var err error
	for i := 0; i < 5; i++ {
		verdict, _, err = tr.Append(ctx, -100, 42, "buy now", 200+i)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	// Without a floor the classify context would already be expired and
	// every verdict would silently fail open.
	if verdict != models.VerdictSpam {
		t.Errorf("verdict = %q, want spam", verdict)
	}
}

func TestExpireStaleSkipsClassification(t *testing.T) {
	a := &stubAnalyzer{verdict: models.VerdictSpam}
	tr, _ := newTestTracker(a)
	ctx := context.Background()

	opened := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return opened }
	if err := tr.Open(ctx, -100, 42); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, _, err := tr.Append(ctx, -100, 42, "only message", 7); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	expired, err := tr.ExpireStale(ctx, opened.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired %d windows, want 1", len(expired))
	}
	if len(a.calls) != 0 {
		t.Errorf("analyzer called %d times on expiry, want 0", len(a.calls))
	}
	if _, _, err := tr.Append(ctx, -100, 42, "late", 8); !errors.Is(err, ErrNoWindow) {
		t.Errorf("Append after expiry = %v, want ErrNoWindow", err)
	}
}

func TestDiscard(t *testing.T) {
	tr, _ := newTestTracker(&stubAnalyzer{})
	ctx := context.Background()

	if err := tr.Open(ctx, -100, 42); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := tr.Discard(ctx, -100, 42); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if _, _, err := tr.Append(ctx, -100, 42, "hello", 9); !errors.Is(err, ErrNoWindow) {
		t.Errorf("Append after Discard = %v, want ErrNoWindow", err)
	}
}
