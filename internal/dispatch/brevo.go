package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"servicecrm_backend/platform/config"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoClient delivers email through the Brevo transactional API.
type BrevoClient struct {
	apiKey    string
	fromName  string
	fromEmail string
	client    *http.Client
}

type brevoParty struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type brevoEmailRequest struct {
	Sender      brevoParty   `json:"sender"`
	To          []brevoParty `json:"to"`
	Subject     string       `json:"subject"`
	TextContent string       `json:"textContent"`
}

type brevoEmailResponse struct {
	MessageID string `json:"messageId"`
}

// NewBrevoClient builds the Brevo email dispatcher. Returns nil when email is
// disabled, which disables the email channel.
func NewBrevoClient(cfg config.EmailConfig) *BrevoClient {
	if !cfg.GetEmailEnabled() {
		return nil
	}
	return &BrevoClient{
		apiKey:    cfg.GetBrevoAPIKey(),
		fromName:  cfg.GetEmailFromName(),
		fromEmail: cfg.GetEmailFromAddress(),
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BrevoClient) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	sender := brevoParty{Name: b.fromName, Email: b.fromEmail}
	// Tenants with their own verified sender override the platform default.
	if req.SenderAddress != "" {
		sender = brevoParty{Name: req.SenderName, Email: req.SenderAddress}
	}

	payload := brevoEmailRequest{
		Sender:      sender,
		To:          []brevoParty{{Email: req.Destination}},
		Subject:     req.Subject,
		TextContent: req.Body,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal brevo payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, brevoEndpoint, bytes.NewBuffer(body))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return SendResult{}, fmt.Errorf("brevo request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return SendResult{}, fmt.Errorf("brevo returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed brevoEmailResponse
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	return SendResult{ProviderMessageID: parsed.MessageID}, nil
}
