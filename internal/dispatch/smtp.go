package dispatch

import (
	"context"
	"fmt"
	"net"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// SMTPDispatcher delivers email through a direct SMTP connection via go-mail.
// Used for tenants that bring their own SMTP server instead of the Brevo API.
type SMTPDispatcher struct {
	host      string
	port      int
	username  string
	password  string
	fromName  string
	fromEmail string
}

// NewSMTPDispatcher creates an SMTP-backed email dispatcher.
func NewSMTPDispatcher(host string, port int, username, password, fromEmail, fromName string) *SMTPDispatcher {
	return &SMTPDispatcher{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		fromName:  fromName,
		fromEmail: fromEmail,
	}
}

func (s *SMTPDispatcher) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	msg := gomail.NewMsg()

	fromName, fromEmail := s.fromName, s.fromEmail
	if req.SenderAddress != "" {
		fromName, fromEmail = req.SenderName, req.SenderAddress
	}
	if err := msg.FromFormat(fromName, fromEmail); err != nil {
		return SendResult{}, fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(req.Destination); err != nil {
		return SendResult{}, fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(req.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, req.Body)

	client, err := gomail.NewClient(s.host,
		gomail.WithPort(s.port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.username),
		gomail.WithPassword(s.password),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15*time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	)
	if err != nil {
		return SendResult{}, fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return SendResult{}, fmt.Errorf("smtp send: %w", err)
	}
	return SendResult{}, nil
}
