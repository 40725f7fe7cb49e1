package storage

import (
	"context"
	"sync"
	"time"

	"github.com/askarov/gatekeeper-bot/internal/models"
)

// MemoryStorage keeps everything in process memory. Used for tests and
// for running without a database; state does not survive a restart.
type MemoryStorage struct {
	mu         sync.RWMutex
	challenges map[models.ChatUser]*models.Challenge
	windows    map[models.ChatUser]*models.TrackingWindow
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		challenges: make(map[models.ChatUser]*models.Challenge),
		windows:    make(map[models.ChatUser]*models.TrackingWindow),
	}
}

func (s *MemoryStorage) UpsertChallenge(ctx context.Context, ch *models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[ch.Key()] = cloneChallenge(ch)
	return nil
}

func (s *MemoryStorage) GetChallenge(ctx context.Context, chatID, userID int64) (*models.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, exists := s.challenges[models.ChatUser{ChatID: chatID, UserID: userID}]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneChallenge(ch), nil
}

func (s *MemoryStorage) SetChallengeMessageID(ctx context.Context, chatID, userID int64, messageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.challenges[models.ChatUser{ChatID: chatID, UserID: userID}]
	if exists && ch.Status == models.ChallengePending {
		ch.MessageID = messageID
	}
	return nil
}

func (s *MemoryStorage) DecrementAttempts(ctx context.Context, chatID, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.challenges[models.ChatUser{ChatID: chatID, UserID: userID}]
	if !exists || ch.Status != models.ChallengePending || ch.AttemptsRemaining <= 0 {
		return 0, ErrNotFound
	}
	ch.AttemptsRemaining--
	return ch.AttemptsRemaining, nil
}

func (s *MemoryStorage) TransitionChallenge(ctx context.Context, chatID, userID int64, from, to models.ChallengeStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.challenges[models.ChatUser{ChatID: chatID, UserID: userID}]
	if !exists || ch.Status != from {
		return false, nil
	}
	ch.Status = to
	return true, nil
}

func (s *MemoryStorage) DeleteChallenge(ctx context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.challenges, models.ChatUser{ChatID: chatID, UserID: userID})
	return nil
}

func (s *MemoryStorage) ExpireChallenges(ctx context.Context, now time.Time) ([]*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*models.Challenge
	for _, ch := range s.challenges {
		if ch.Status == models.ChallengePending && !ch.ExpiresAt.After(now) {
			ch.Status = models.ChallengeExpired
			expired = append(expired, cloneChallenge(ch))
		}
	}
	return expired, nil
}

func (s *MemoryStorage) UpsertWindow(ctx context.Context, w *models.TrackingWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows[w.Key()] = cloneWindow(w)
	return nil
}

func (s *MemoryStorage) GetWindow(ctx context.Context, chatID, userID int64) (*models.TrackingWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.windows[models.ChatUser{ChatID: chatID, UserID: userID}]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneWindow(w), nil
}

func (s *MemoryStorage) AppendWindowMessage(ctx context.Context, chatID, userID int64, text string, messageID int64, limit int) (*models.TrackingWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.windows[models.ChatUser{ChatID: chatID, UserID: userID}]
	if !exists || len(w.Messages) >= limit {
		return nil, ErrNotFound
	}
	w.Messages = append(w.Messages, text)
	w.MessageIDs = append(w.MessageIDs, messageID)
	return cloneWindow(w), nil
}

func (s *MemoryStorage) DeleteWindow(ctx context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.windows, models.ChatUser{ChatID: chatID, UserID: userID})
	return nil
}

func (s *MemoryStorage) ExpireWindows(ctx context.Context, now time.Time) ([]models.ChatUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.ChatUser
	for key, w := range s.windows {
		if !w.ExpiresAt.After(now) {
			delete(s.windows, key)
			expired = append(expired, key)
		}
	}
	return expired, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func cloneChallenge(ch *models.Challenge) *models.Challenge {
	c := *ch
	c.Options = append([]string(nil), ch.Options...)
	return &c
}

func cloneWindow(w *models.TrackingWindow) *models.TrackingWindow {
	c := *w
	c.Messages = append([]string(nil), w.Messages...)
	c.MessageIDs = append([]int64(nil), w.MessageIDs...)
	return &c
}
