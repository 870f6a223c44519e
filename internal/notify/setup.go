package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/config"
)

// OutboundChannels builds the channels that leave the process: push when
// Firebase credentials are configured, and email, WhatsApp and SMS. Text
// channels without provider settings log instead of sending.
func OutboundChannels(ctx context.Context, cfg config.NotifyConfig, dir Directory, log zerolog.Logger) []Channel {
	var channels []Channel

	if cfg.FirebaseCredentialsPath != "" {
		sender, err := NewFirebaseSender(ctx, cfg.FirebaseCredentialsPath)
		if err != nil {
			log.Warn().Err(err).Msg("firebase unavailable, push channel disabled")
		} else {
			push := NewPushChannel(sender, dir, log)
			push.Init(ctx)
			channels = append(channels, push)
		}
	}

	var email StubSender = NewLogSender(ChannelEmail, log)
	if cfg.SMTPHost != "" {
		sender, err := NewEmailSender(SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			FromEmail: cfg.SMTPFromEmail,
			FromName:  cfg.SMTPFromName,
		})
		if err != nil {
			log.Warn().Err(err).Msg("smtp misconfigured, email will only be logged")
		} else {
			email = sender
		}
	}
	channels = append(channels, NewEmailChannel(email, dir))

	var whatsapp StubSender = NewLogSender(ChannelWhatsApp, log)
	if cfg.WhatsAppAccessToken != "" {
		sender, err := NewWhatsAppSender(cfg.WhatsAppAccessToken, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppBaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("whatsapp misconfigured, messages will only be logged")
		} else {
			whatsapp = sender
		}
	}
	channels = append(channels, NewWhatsAppChannel(whatsapp, dir))

	// no SMS provider is integrated yet
	channels = append(channels, NewSMSChannel(NewLogSender(ChannelSMS, log), dir))

	return channels
}
