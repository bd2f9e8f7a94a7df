package notification

import (
	"context"
	"fmt"
	"io"

	"milabs-booking/internal/config"
	"milabs-booking/internal/logger"

	"github.com/go-gomail/gomail"
)

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is one outgoing email. Inline attachments are referenced from HTML as cid:<Name>.
type Message struct {
	To      string
	Subject string
	HTML    string
	Inline  []Attachment
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPNotifier struct {
	sender mailSender
	from   string
	logger *logger.Logger
}

func NewSMTPNotifier(host string, port int, username, password, from string, log *logger.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		sender: gomail.NewDialer(host, port, username, password),
		from:   from,
		logger: log,
	}
}

func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("email %q has no recipient", msg.Subject)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)
	for _, a := range msg.Inline {
		data := a.Data
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
		}
		m.Embed(a.Name, settings...)
	}

	// gomail has no context support; the send keeps running if ctx expires first
	done := make(chan error, 1)
	go func() { done <- n.sender.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("error sending email to %s: %w", msg.To, err)
		}
		n.logger.Info("EMAIL", fmt.Sprintf("Sent %q to %s", msg.Subject, msg.To))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sending email to %s: %w", msg.To, ctx.Err())
	}
}

// LogNotifier writes emails to the log instead of sending them. Used in development.
type LogNotifier struct {
	Logger *logger.Logger
}

func (n LogNotifier) Send(_ context.Context, msg Message) error {
	n.Logger.Info("EMAIL", fmt.Sprintf("[dev] to=%s subject=%q (%d bytes html, %d inline)", msg.To, msg.Subject, len(msg.HTML), len(msg.Inline)))
	return nil
}

// FromConfig returns an SMTP notifier, or a LogNotifier when email is disabled or
// no SMTP credentials are set.
func FromConfig(cfg config.EmailConfig, log *logger.Logger) Notifier {
	if cfg.Disabled || cfg.SMTPUsername == "" {
		log.Warn("EMAIL", "SMTP not configured, notifications will only be logged")
		return LogNotifier{Logger: log}
	}
	log.Info("EMAIL", fmt.Sprintf("SMTP notifier using %s:%d", cfg.SMTPHost, cfg.SMTPPort))
	return NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.From, log)
}
