// Package oracle provides the semantic equivalence tie-breaker used when
// structural matching signals are inconclusive.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	openai "github.com/sashabaranov/go-openai"

	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Description is what the oracle sees of one identity.
type Description struct {
	Name     string
	Email    string
	Platform string
}

func (d Description) String() string {
	parts := []string{"name: " + d.Name}
	if d.Email != "" {
		parts = append(parts, "email: "+d.Email)
	}
	if d.Platform != "" {
		parts = append(parts, "platform: "+d.Platform)
	}
	return strings.Join(parts, ", ")
}

// Oracle answers whether two identity descriptions denote the same person.
// Implementations must be deterministic enough to mock; callers treat any
// error as "unavailable" and fail closed.
type Oracle interface {
	Same(ctx context.Context, a, b Description) (bool, error)
}

const systemPrompt = `You decide whether two identity records refer to the same real person.
Answer with exactly one word: "same" or "different". When unsure, answer "different".`

// OpenAIOracle asks a chat model for a binary same/different judgment with a
// bounded timeout.
type OpenAIOracle struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  ectologger.Logger
}

func NewOpenAIOracle(apiKey string, model string, timeout time.Duration, logger ectologger.Logger) *OpenAIOracle {
	if model == "" {
		model = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OpenAIOracle{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
		logger:  logger,
	}
}

// Same returns the model's judgment. Timeouts, transport failures, and
// unparseable answers all surface as errs.OracleUnavailableError so the
// matching engine can fall back to structural scoring.
func (o *OpenAIOracle) Same(ctx context.Context, a, b Description) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "oracle.OpenAIOracle.Same")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0,
		MaxTokens:   4,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Record A: %s\nRecord B: %s", a, b)},
		},
	})
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("semantic oracle call failed")
		return false, &errs.OracleUnavailableError{Cause: err}
	}
	if len(resp.Choices) == 0 {
		return false, &errs.OracleUnavailableError{Cause: fmt.Errorf("empty completion")}
	}

	answer := strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content))
	switch {
	case strings.HasPrefix(answer, "same"):
		return true, nil
	case strings.HasPrefix(answer, "different"):
		return false, nil
	default:
		return false, &errs.OracleUnavailableError{Cause: fmt.Errorf("unparseable oracle answer %q", answer)}
	}
}
