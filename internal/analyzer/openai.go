package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/askarov/gatekeeper-bot/internal/models"
)

const systemPrompt = "You are a spam detection system for group chat communities."

// defaultContextPrompt is tuned for a residential community chat where
// neighborly trading and recommendations are fine but commercial
// solicitation is not.
const defaultContextPrompt = `You moderate a residents' community chat where people discuss
their building, utilities, the neighborhood and day-to-day life.

TASK: decide whether the messages below are spam/advertising.

COUNTS AS SPAM:
- Direct advertising of goods or services with prices, contacts, calls to buy
- Job, gig or "easy money" offers
- Links promoting external resources, channels or groups
- Financial schemes, investments, cryptocurrency
- Multi-level marketing
- Repetitive near-identical messages

DOES NOT COUNT AS SPAM:
- Discussing building, yard or utility problems
- Neighbors seeking or offering help (repairs, pet sitting and the like)
- Selling or trading personal items between neighbors
- Recommending tradespeople without pushiness
- Ordinary conversation, rude language included
- Local news

Be lenient toward neighborly chatter and strict toward commerce.`

type OpenAIAnalyzer struct {
	client        *openai.Client
	model         string
	maxTokens     int
	temperature   float64
	contextPrompt string
	logger        *zap.Logger
}

// NewOpenAIAnalyzer builds an analyzer over any OpenAI-compatible chat
// completion endpoint; baseURL selects the provider (DeepSeek by
// default in config). An empty contextPrompt falls back to the built-in
// community prompt.
func NewOpenAIAnalyzer(apiKey, baseURL, model string, maxTokens int, temperature float64, contextPrompt string, logger *zap.Logger) *OpenAIAnalyzer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if contextPrompt == "" {
		contextPrompt = defaultContextPrompt
	}
	return &OpenAIAnalyzer{
		client:        openai.NewClientWithConfig(cfg),
		model:         model,
		maxTokens:     maxTokens,
		temperature:   temperature,
		contextPrompt: contextPrompt,
		logger:        logger,
	}
}

func (a *OpenAIAnalyzer) Classify(ctx context.Context, messages []string) (models.Verdict, error) {
	prompt := buildPrompt(a.contextPrompt, messages)

	resp, err := a.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: a.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			MaxTokens:   a.maxTokens,
			Temperature: float32(a.temperature),
		},
	)
	if err != nil {
		return models.VerdictNone, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.VerdictNone, fmt.Errorf("chat completion returned no choices")
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	verdict := parseVerdict(raw)

	a.logger.Info("Content classified",
		zap.String("raw_response", raw),
		zap.String("verdict", string(verdict)),
		zap.Int("message_count", len(messages)))

	return verdict, nil
}

func buildPrompt(contextPrompt string, messages []string) string {
	var b strings.Builder
	b.WriteString(contextPrompt)
	b.WriteString("\n\nMessages from a single recently joined user, in order:\n")
	for i, msg := range messages {
		fmt.Fprintf(&b, "%d. %q\n", i+1, msg)
	}
	b.WriteString("\nAnswer with exactly one word: SPAM or CLEAN.")
	return b.String()
}

// parseVerdict maps the model's one-word protocol onto a Verdict.
// Anything that is not clearly SPAM is treated as benign.
func parseVerdict(raw string) models.Verdict {
	if strings.Contains(strings.ToUpper(raw), "SPAM") {
		return models.VerdictSpam
	}
	return models.VerdictBenign
}
