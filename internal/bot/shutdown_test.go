package bot

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/askarov/gatekeeper-bot/internal/challenge"
	"github.com/askarov/gatekeeper-bot/internal/gate"
	"github.com/askarov/gatekeeper-bot/internal/health"
	"github.com/askarov/gatekeeper-bot/internal/models"
	"github.com/askarov/gatekeeper-bot/internal/storage"
)

// ctxGuardStore rejects writes on a dead context the way a SQL backend's
// ExecContext does.
type ctxGuardStore struct {
	storage.Storage
}

func (s ctxGuardStore) UpsertChallenge(ctx context.Context, ch *models.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Storage.UpsertChallenge(ctx, ch)
}

// blockingPlatform parks the join handler inside Restrict until released,
// so the test can cancel the run context while the handler is mid-flight.
type blockingPlatform struct {
	restrictStarted chan struct{}
	release         chan struct{}
}

func (p *blockingPlatform) Restrict(ctx context.Context, chatID, userID int64) error {
	close(p.restrictStarted)
	<-p.release
	return nil
}

func (p *blockingPlatform) Unrestrict(ctx context.Context, chatID, userID int64) error { return nil }
func (p *blockingPlatform) Ban(ctx context.Context, chatID, userID int64) error        { return nil }
func (p *blockingPlatform) Kick(ctx context.Context, chatID, userID int64) error       { return nil }
func (p *blockingPlatform) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return nil
}
func (p *blockingPlatform) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	return 1, nil
}
func (p *blockingPlatform) SendChallenge(ctx context.Context, chatID, userID int64, text string, options []string) (int, error) {
	return 42, nil
}
func (p *blockingPlatform) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	return nil
}

func TestShutdownDrainsInFlightStoreWrites(t *testing.T) {
	store := ctxGuardStore{Storage: storage.NewMemoryStorage()}
	manager := challenge.NewManager(store, nil, challenge.Config{
		TTL:         time.Minute,
		MaxAttempts: 2,
		OptionCount: 4,
		Seed:        1,
	}, zap.NewNop())

	platform := &blockingPlatform{
		restrictStarted: make(chan struct{}),
		release:         make(chan struct{}),
	}
	b := &Bot{logger: zap.NewNop()}
	b.AttachGate(gate.New(platform, manager, nil, health.NewCounters(), zap.NewNop()))

	updates := make(chan tgbotapi.Update, 1)
	updates <- tgbotapi.Update{
		Message: &tgbotapi.Message{
			Chat:           &tgbotapi.Chat{ID: -100, Type: "supergroup"},
			NewChatMembers: []tgbotapi.User{{ID: 42, FirstName: "New"}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.run(ctx, updates)
		close(done)
	}()

	// The join handler is inside Restrict when the shutdown signal
	// arrives; its store write has not happened yet.
	<-platform.restrictStarted
	cancel()
	<-done
	close(platform.release)
	b.wg.Wait()

	if _, err := store.GetChallenge(context.Background(), -100, 42); err != nil {
		t.Fatalf("challenge not persisted during drain: %v", err)
	}
}
