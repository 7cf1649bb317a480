// Package generator produces follow-up message content. The engine never
// depends on generation succeeding: every message step carries a static
// template that takes over when the generator is unavailable.
package generator

import (
	"context"
	"errors"
	"strings"
)

// ErrGenerationUnavailable signals that content could not be produced in time
// and the caller must fall back to the step template.
var ErrGenerationUnavailable = errors.New("content generation unavailable")

// Message type registers, derived from how far into the sequence the lead is.
const (
	MessageInitial   = "initial"
	MessageFollowUp1 = "followup_1"
	MessageFollowUp2 = "followup_2"
	MessageFinal     = "final"
)

// MessageTypeForStep maps a step position to its register. Everything past the
// third touch reads as a final nudge.
func MessageTypeForStep(stepOrder int) string {
	switch {
	case stepOrder <= 0:
		return MessageInitial
	case stepOrder == 1:
		return MessageFollowUp1
	case stepOrder == 2:
		return MessageFollowUp2
	default:
		return MessageFinal
	}
}

// GenerateParams carries everything the generator may use for one message.
type GenerateParams struct {
	LeadName         string
	Service          string
	BusinessName     string
	Tone             string
	MessageType      string
	Channel          string // sms or email
	PreviousMessages []string
}

// Generator produces one message body. Implementations must respect ctx and
// return ErrGenerationUnavailable (possibly wrapped) on any provider failure.
type Generator interface {
	Generate(ctx context.Context, params GenerateParams) (string, error)
}

// RenderTemplate performs the fallback substitution: {name} and {service}
// placeholders replaced with lead data. Unknown placeholders pass through
// untouched.
func RenderTemplate(template, name, service string) string {
	rendered := strings.ReplaceAll(template, "{name}", name)
	return strings.ReplaceAll(rendered, "{service}", service)
}

// TemplateRenderer is a Generator that only renders the fallback template. It
// is the implementation wired when no API key is configured.
type TemplateRenderer struct {
	Template string
}

func (t TemplateRenderer) Generate(_ context.Context, params GenerateParams) (string, error) {
	return RenderTemplate(t.Template, params.LeadName, params.Service), nil
}
