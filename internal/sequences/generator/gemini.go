package generator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"servicecrm_backend/platform/config"
	"servicecrm_backend/platform/logger"

	"google.golang.org/genai"
)

// smsMaxLength caps generated SMS bodies; longer output is trimmed at the
// last sentence boundary that fits.
const smsMaxLength = 320

// GeminiGenerator produces message content with the Gemini API. Every call is
// bounded by the configured timeout; anything that goes wrong degrades to
// ErrGenerationUnavailable so the caller falls back to the template.
type GeminiGenerator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

// NewGeminiGenerator builds the generator. Returns an error only on client
// construction failure; a missing API key should be handled by the caller
// (wire TemplateRenderer instead).
func NewGeminiGenerator(ctx context.Context, cfg config.GeneratorConfig, log *logger.Logger) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GetGeminiAPIKey(),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &GeminiGenerator{
		client:  client,
		model:   cfg.GetGeminiModel(),
		timeout: cfg.GetGenerateTimeout(),
		log:     log,
	}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, params GenerateParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := buildPrompt(params)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		g.log.Warn("content generation failed", "error", err, "message_type", params.MessageType)
		return "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrGenerationUnavailable)
	}

	if params.Channel == "sms" {
		text = clampSMS(text)
	}
	return text, nil
}

func buildPrompt(params GenerateParams) string {
	var sb strings.Builder
	sb.WriteString("You write short follow-up messages for a field-service business.\n")
	fmt.Fprintf(&sb, "Business: %s\n", params.BusinessName)
	fmt.Fprintf(&sb, "Lead name: %s\n", params.LeadName)
	if params.Service != "" {
		fmt.Fprintf(&sb, "Service they asked about: %s\n", params.Service)
	}
	tone := params.Tone
	if tone == "" {
		tone = "friendly"
	}
	fmt.Fprintf(&sb, "Tone: %s\n", tone)
	fmt.Fprintf(&sb, "Message stage: %s\n", params.MessageType)
	fmt.Fprintf(&sb, "Channel: %s\n", params.Channel)

	if len(params.PreviousMessages) > 0 {
		sb.WriteString("Messages already sent to this lead, oldest first; do not repeat their content or phrasing:\n")
		for i, prev := range params.PreviousMessages {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, prev)
		}
	}

	switch params.MessageType {
	case MessageInitial:
		sb.WriteString("Write the first outreach: warm, reference their request, invite a reply.\n")
	case MessageFinal:
		sb.WriteString("Write a last, low-pressure check-in that makes it easy to say no.\n")
	default:
		sb.WriteString("Write a brief follow-up that adds a reason to respond, not just a nudge.\n")
	}
	if params.Channel == "sms" {
		sb.WriteString("Keep it under 300 characters. Plain text, no links unless essential, no signature block.\n")
	} else {
		sb.WriteString("Keep it under 120 words. Plain text, sign off with the business name.\n")
	}
	sb.WriteString("Reply with the message body only.")
	return sb.String()
}

// clampSMS trims to the SMS cap at the last full sentence that fits, or hard
// truncates when there is no sentence boundary.
func clampSMS(text string) string {
	if len(text) <= smsMaxLength {
		return text
	}
	trimmed := text[:smsMaxLength]
	if idx := strings.LastIndexAny(trimmed, ".!?"); idx > 0 {
		return strings.TrimSpace(trimmed[:idx+1])
	}
	return strings.TrimSpace(trimmed)
}
