package analyzer

import (
	"context"

	"github.com/askarov/gatekeeper-bot/internal/models"
)

// Analyzer classifies an ordered batch of messages from one user as
// spam or benign. Implementations may call out over the network; the
// caller bounds the context. A nil Analyzer means the capability is
// absent and message tracking is disabled entirely.
type Analyzer interface {
	Classify(ctx context.Context, messages []string) (models.Verdict, error)
}
