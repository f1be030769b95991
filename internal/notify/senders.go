package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/gomail.v2"
)

// LogSender writes events to the structured log.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "appointment event",
		"event", ev.Type,
		"appointment_id", ev.AppointmentID.String(),
		"tenant_id", ev.TenantID,
		"status", ev.Status,
		"start_time", ev.StartTime,
	)
	return nil
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes JSON-encoded events on a Redis channel for other
// services to consume.
type RedisPublisher struct {
	client  publisher
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal appointment event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish appointment event: %w", err)
	}
	return nil
}

type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	// ToAddress receives a copy of every appointment event, usually the
	// clinic front desk.
	ToAddress string
}

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPSender struct {
	config SMTPConfig
	dialer mailDialer
}

func NewSMTPSender(config SMTPConfig) *SMTPSender {
	return &SMTPSender{
		config: config,
		dialer: gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
	}
}

// Send ignores ctx cancellation once the SMTP dialogue has started; gomail
// has no context support.
func (s *SMTPSender) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body := renderEmail(ev)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.config.FromAddress, s.config.FromName)
	m.SetHeader("To", s.config.ToAddress)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func renderEmail(ev Event) (string, string) {
	when := ev.StartTime.UTC().Format(time.RFC1123)
	var subject string
	switch ev.Type {
	case EventBooked:
		subject = "New appointment request"
	case EventRescheduled:
		subject = "Appointment rescheduled"
	case EventCancelled:
		subject = "Appointment cancelled"
	default:
		subject = "Appointment updated"
	}

	body := fmt.Sprintf(`%s

Appointment: %s
Subject:     %s
Starts:      %s
Status:      %s
`, subject, ev.AppointmentID, ev.SubjectID, when, ev.Status)
	if ev.Reason != "" {
		body += "Reason:      " + ev.Reason + "\n"
	}
	return subject, body
}
