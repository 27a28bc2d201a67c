package alert

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"text/template"
	"time"
	_ "time/tzdata" // the edge device may ship without a zoneinfo database

	"github.com/google/uuid"

	"firerisk-backend/internal/models"
)

// DefaultTemplate is the SMS body sent for an admitted alert
const DefaultTemplate = `ALERTA F-index
Valor: {{printf "%.2f" .Value}}
Umbral: {{printf "%.2f" .Threshold}}
Hora (Colombia): {{.LocalTime}}`

const localTimeLayout = "2006-01-02 15:04:05"

// Sender delivers a text message. It returns false on any failure.
type Sender interface {
	Send(ctx context.Context, phone, message string) bool
}

// Recorder stores the history of admitted alerts
type Recorder interface {
	SaveAlertEvent(ctx context.Context, event models.AlertEvent) error
}

// TemplateData is passed to the message template
type TemplateData struct {
	Value     float64
	Threshold float64
	LocalTime string
	Timestamp string
}

// Notifier formats and sends the message for an admitted alert. It never retries
// and never touches dispatcher state.
type Notifier struct {
	sender    Sender
	phone     string
	threshold float64
	location  *time.Location
	tpl       *template.Template
	recorder  Recorder
	newID     func() string
}

// Option configures the notifier.
type Option func(*Notifier)

// WithLocation sets the zone used for the local time in the message.
func WithLocation(loc *time.Location) Option {
	return func(n *Notifier) {
		if loc != nil {
			n.location = loc
		}
	}
}

// WithRecorder stores every admitted alert and its delivery result.
func WithRecorder(r Recorder) Option {
	return func(n *Notifier) {
		n.recorder = r
	}
}

// WithIDGenerator overrides the alert event ID source.
func WithIDGenerator(newID func() string) Option {
	return func(n *Notifier) {
		if newID != nil {
			n.newID = newID
		}
	}
}

// NewNotifier parses tpl, falling back to DefaultTemplate
func NewNotifier(sender Sender, phone string, threshold float64, tpl string, opts ...Option) (*Notifier, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alert-sms").Parse(tpl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse alert template: %w", err)
	}
	n := &Notifier{
		sender:    sender,
		phone:     phone,
		threshold: threshold,
		location:  time.UTC,
		tpl:       parsed,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Render builds the message for fIndex at ts
func (n *Notifier) Render(fIndex float64, ts time.Time) (string, error) {
	data := TemplateData{
		Value:     fIndex,
		Threshold: n.threshold,
		LocalTime: ts.In(n.location).Format(localTimeLayout),
		Timestamp: models.FormatTimestamp(ts),
	}
	var buf bytes.Buffer
	if err := n.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Notify sends the alert once and returns what happened
func (n *Notifier) Notify(ctx context.Context, fIndex float64, ts time.Time) models.AlertEvent {
	event := models.AlertEvent{
		ID:        n.newID(),
		Timestamp: ts.UTC(),
		FIndex:    fIndex,
		Threshold: n.threshold,
		Phone:     n.phone,
	}

	msg, err := n.Render(fIndex, ts)
	if err != nil {
		log.Printf("Notifier: ERROR rendering alert message: %v", err)
	} else {
		event.Delivered = n.sender.Send(ctx, n.phone, msg)
		if event.Delivered {
			log.Printf("Notifier: WARNING SMS alert sent: %s", strings.ReplaceAll(msg, "\n", " | "))
		} else {
			log.Printf("Notifier: ERROR failed to send SMS alert: %s", strings.ReplaceAll(msg, "\n", " | "))
		}
	}

	if n.recorder != nil {
		if err := n.recorder.SaveAlertEvent(ctx, event); err != nil {
			log.Printf("Notifier: failed to record alert %s: %v", event.ID, err)
		}
	}
	return event
}
