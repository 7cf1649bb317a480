package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"servicecrm_backend/platform/config"
	"servicecrm_backend/platform/logger"
	"servicecrm_backend/platform/phone"

	"golang.org/x/time/rate"
)

// SMSClient sends messages through an HTTP SMS gateway. Two gateways can be
// configured; each organization picks one via its sms_provider setting.
type SMSClient struct {
	primary   gateway
	secondary gateway
	http      *http.Client
	limiter   *rate.Limiter
	log       *logger.Logger
}

type gateway struct {
	baseURL string
	apiKey  string
}

func (g gateway) configured() bool { return g.baseURL != "" }

type smsRequest struct {
	To     string `json:"to"`
	Body   string `json:"body"`
	Sender string `json:"sender,omitempty"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
}

// NewSMSClient builds the gateway client. Returns nil when no primary gateway
// is configured, which disables the SMS channel.
func NewSMSClient(cfg config.SMSConfig, log *logger.Logger) *SMSClient {
	if !cfg.IsSMSEnabled() {
		return nil
	}

	perSecond := cfg.GetSMSRatePerSecond()
	if perSecond <= 0 {
		perSecond = 10
	}

	return &SMSClient{
		primary: gateway{
			baseURL: strings.TrimRight(cfg.GetSMSPrimaryURL(), "/"),
			apiKey:  cfg.GetSMSPrimaryKey(),
		},
		secondary: gateway{
			baseURL: strings.TrimRight(cfg.GetSMSSecondaryURL(), "/"),
			apiKey:  cfg.GetSMSSecondaryKey(),
		},
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		log:     log,
	}
}

func (c *SMSClient) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	gw := c.primary
	if req.Provider == ProviderSecondary && c.secondary.configured() {
		gw = c.secondary
	}
	if !gw.configured() {
		return SendResult{}, ErrChannelDisabled
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return SendResult{}, err
	}

	payload := smsRequest{
		To:     phone.NormalizeE164(req.Destination),
		Body:   req.Body,
		Sender: req.SenderName,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal sms payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, gw.baseURL+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return SendResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if gw.apiKey != "" {
		httpReq.Header.Set("Authorization", formatAuthHeader(gw.apiKey))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return SendResult{}, fmt.Errorf("sms request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return SendResult{}, fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// Some gateways answer 200 with an empty body; the send still counts.
		parsed.MessageID = ""
	}

	c.log.Info("sms dispatched", "to", payload.To, "provider", string(req.Provider))
	return SendResult{ProviderMessageID: parsed.MessageID}, nil
}

func formatAuthHeader(apiKey string) string {
	if strings.HasPrefix(strings.ToLower(apiKey), "basic ") || strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		return apiKey
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(apiKey))
	return "Basic " + encoded
}
