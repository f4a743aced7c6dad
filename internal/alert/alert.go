// Package alert raises critical operational alerts (gateway outages, money
// moved without a local record).
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"settlement-service/internal/sender"

	log "github.com/sirupsen/logrus"
)

type Alert struct {
	Source  string
	Summary string
	Fields  map[string]interface{}
	At      time.Time
}

type Alerter interface {
	Critical(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the structured log at error level with an
// alert=critical field that log-based alerting matches on.
type LogAlerter struct{}

func (LogAlerter) Critical(_ context.Context, a Alert) {
	fields := log.Fields{"alert": "critical", "source": a.Source}
	for k, v := range a.Fields {
		fields[k] = v
	}
	log.WithFields(fields).Error(a.Summary)
}

// Multi fans an alert out to several alerters.
type Multi []Alerter

func (m Multi) Critical(ctx context.Context, a Alert) {
	for _, al := range m {
		al.Critical(ctx, a)
	}
}

// EmailAlerter mails alerts to the on-call recipients from a background
// worker so callers never block on SMTP.
type EmailAlerter struct {
	sender     sender.EmailSender
	recipients []string
	queue      chan Alert
	timeout    time.Duration
}

func NewEmailAlerter(s sender.EmailSender, recipients []string, queueSize int) *EmailAlerter {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &EmailAlerter{
		sender:     s,
		recipients: recipients,
		queue:      make(chan Alert, queueSize),
		timeout:    10 * time.Second,
	}
}

func (e *EmailAlerter) Critical(_ context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	select {
	case e.queue <- a:
	default:
		log.WithField("source", a.Source).Warn("Alert email queue full, dropping alert email")
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (e *EmailAlerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-e.queue:
			e.deliver(ctx, a)
		}
	}
}

func (e *EmailAlerter) deliver(ctx context.Context, a Alert) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	subject := fmt.Sprintf("[CRITICAL] %s: %s", a.Source, a.Summary)
	body := formatBody(a)
	for _, to := range e.recipients {
		if err := e.sender.SendEmail(ctx, to, subject, body); err != nil {
			log.WithError(err).WithField("recipient", to).Error("Failed to send alert email")
		}
	}
}

func formatBody(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nsource: %s\ntime: %s\n", a.Summary, a.Source, a.At.Format(time.RFC3339))
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, a.Fields[k])
	}
	return b.String()
}
