package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/askarov/gatekeeper-bot/internal/models"
)

func testChallenge(chatID, userID int64, expiresAt time.Time) *models.Challenge {
	return &models.Challenge{
		ID:                "test-id",
		ChatID:            chatID,
		UserID:            userID,
		Variant:           "fruit",
		CorrectToken:      "🍎",
		Options:           []string{"🍎", "🚗", "🏠", "📱"},
		IssuedAt:          expiresAt.Add(-3 * time.Minute),
		ExpiresAt:         expiresAt,
		AttemptsRemaining: 2,
		Status:            models.ChallengePending,
	}
}

func TestMemoryStorage_UpsertReplacesChallenge(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	expiry := time.Now().Add(3 * time.Minute)

	ch := testChallenge(1, 2, expiry)
	if err := s.UpsertChallenge(ctx, ch); err != nil {
		t.Fatalf("UpsertChallenge failed: %v", err)
	}
	if _, err := s.DecrementAttempts(ctx, 1, 2); err != nil {
		t.Fatalf("DecrementAttempts failed: %v", err)
	}

	// A rejoin replaces the row and restores the attempt budget.
	if err := s.UpsertChallenge(ctx, testChallenge(1, 2, expiry)); err != nil {
		t.Fatalf("UpsertChallenge failed: %v", err)
	}
	got, err := s.GetChallenge(ctx, 1, 2)
	if err != nil {
		t.Fatalf("GetChallenge failed: %v", err)
	}
	if got.AttemptsRemaining != 2 {
		t.Errorf("AttemptsRemaining = %d, want 2", got.AttemptsRemaining)
	}
}

func TestMemoryStorage_GetChallengeNotFound(t *testing.T) {
	s := NewMemoryStorage()
	if _, err := s.GetChallenge(context.Background(), 1, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStorage_TransitionIsCompareAndSet(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	if err := s.UpsertChallenge(ctx, testChallenge(1, 2, time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("UpsertChallenge failed: %v", err)
	}

	ok, err := s.TransitionChallenge(ctx, 1, 2, models.ChallengePending, models.ChallengePassed)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v, want ok=true", ok, err)
	}

	// A racing writer arriving second must lose.
	ok, err = s.TransitionChallenge(ctx, 1, 2, models.ChallengePending, models.ChallengeExpired)
	if err != nil {
		t.Fatalf("second transition errored: %v", err)
	}
	if ok {
		t.Error("second transition succeeded, want CAS failure")
	}

	got, _ := s.GetChallenge(ctx, 1, 2)
	if got.Status != models.ChallengePassed {
		t.Errorf("Status = %q, want passed", got.Status)
	}
}

func TestMemoryStorage_DecrementStopsAtZero(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	if err := s.UpsertChallenge(ctx, testChallenge(1, 2, time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("UpsertChallenge failed: %v", err)
	}

	if n, err := s.DecrementAttempts(ctx, 1, 2); err != nil || n != 1 {
		t.Fatalf("first decrement = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := s.DecrementAttempts(ctx, 1, 2); err != nil || n != 0 {
		t.Fatalf("second decrement = (%d, %v), want (0, nil)", n, err)
	}
	if _, err := s.DecrementAttempts(ctx, 1, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("third decrement error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStorage_DecrementIgnoresTerminal(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	if err := s.UpsertChallenge(ctx, testChallenge(1, 2, time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("UpsertChallenge failed: %v", err)
	}
	if _, err := s.TransitionChallenge(ctx, 1, 2, models.ChallengePending, models.ChallengeExpired); err != nil {
		t.Fatalf("TransitionChallenge failed: %v", err)
	}

	if _, err := s.DecrementAttempts(ctx, 1, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("decrement on terminal challenge = %v, want ErrNotFound", err)
	}
}

func TestMemoryStorage_ExpireChallenges(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	now := time.Now()

	if err := s.UpsertChallenge(ctx, testChallenge(1, 2, now.Add(-time.Second))); err != nil {
		t.Fatalf("UpsertChallenge failed: %v", err)
	}
	if err := s.UpsertChallenge(ctx, testChallenge(1, 3, now.Add(time.Hour))); err != nil {
		t.Fatalf("UpsertChallenge failed: %v", err)
	}

	expired, err := s.ExpireChallenges(ctx, now)
	if err != nil {
		t.Fatalf("ExpireChallenges failed: %v", err)
	}
	if len(expired) != 1 || expired[0].UserID != 2 {
		t.Fatalf("expired = %+v, want exactly user 2", expired)
	}
	if expired[0].Status != models.ChallengeExpired {
		t.Errorf("returned Status = %q, want expired", expired[0].Status)
	}

	// Idempotent: already-expired rows are not reported again.
	expired, err = s.ExpireChallenges(ctx, now)
	if err != nil {
		t.Fatalf("ExpireChallenges failed: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("second sweep returned %d rows, want 0", len(expired))
	}
}

func TestMemoryStorage_AppendWindowMessageBounds(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	now := time.Now()

	w := &models.TrackingWindow{ChatID: 1, UserID: 2, Messages: []string{}, OpenedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.UpsertWindow(ctx, w); err != nil {
		t.Fatalf("UpsertWindow failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := s.AppendWindowMessage(ctx, 1, 2, "msg", int64(100+i), 3)
		if err != nil {
			t.Fatalf("append %d failed: %v", i+1, err)
		}
		if len(got.Messages) != i+1 {
			t.Fatalf("append %d: len = %d, want %d", i+1, len(got.Messages), i+1)
		}
		if len(got.MessageIDs) != i+1 || got.MessageIDs[i] != int64(100+i) {
			t.Fatalf("append %d: ids = %v, want ids through %d", i+1, got.MessageIDs, 100+i)
		}
	}

	if _, err := s.AppendWindowMessage(ctx, 1, 2, "overflow", 103, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("append beyond limit = %v, want ErrNotFound", err)
	}
}

func TestMemoryStorage_ExpireWindows(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	now := time.Now()

	stale := &models.TrackingWindow{ChatID: 1, UserID: 2, OpenedAt: now.Add(-25 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	fresh := &models.TrackingWindow{ChatID: 1, UserID: 3, OpenedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.UpsertWindow(ctx, stale); err != nil {
		t.Fatalf("UpsertWindow failed: %v", err)
	}
	if err := s.UpsertWindow(ctx, fresh); err != nil {
		t.Fatalf("UpsertWindow failed: %v", err)
	}

	expired, err := s.ExpireWindows(ctx, now)
	if err != nil {
		t.Fatalf("ExpireWindows failed: %v", err)
	}
	if len(expired) != 1 || expired[0].UserID != 2 {
		t.Fatalf("expired = %+v, want exactly user 2", expired)
	}

	if _, err := s.GetWindow(ctx, 1, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale window still present: %v", err)
	}
	if _, err := s.GetWindow(ctx, 1, 3); err != nil {
		t.Errorf("fresh window missing: %v", err)
	}
}
