package dispatch

import "servicecrm_backend/platform/config"

// NewEmailDispatcher picks the configured email transport. Brevo wins when an
// API key is present, otherwise direct SMTP. Returns nil when email is
// disabled, which disables the email channel on the router.
func NewEmailDispatcher(cfg config.EmailConfig) Dispatcher {
	if !cfg.GetEmailEnabled() {
		return nil
	}
	if cfg.GetBrevoAPIKey() != "" {
		return NewBrevoClient(cfg)
	}
	if cfg.GetSMTPHost() != "" {
		return NewSMTPDispatcher(
			cfg.GetSMTPHost(),
			cfg.GetSMTPPort(),
			cfg.GetSMTPUsername(),
			cfg.GetSMTPPassword(),
			cfg.GetEmailFromAddress(),
			cfg.GetEmailFromName(),
		)
	}
	return nil
}
