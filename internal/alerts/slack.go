package alerts

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/resilience"
)

// Severity orders alerts for formatting and queue shedding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity   Severity  `json:"severity"`
	Title      string    `json:"title"`
	Symbol     string    `json:"symbol,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Alerter delivers operator alerts. Send never blocks on delivery.
type Alerter interface {
	Send(ctx context.Context, a Alert)
}

// New returns a Slack alerter when a webhook is configured, otherwise a
// log-only alerter.
func New(cfg config.Alerts) Alerter {
	if cfg.SlackWebhookURL == "" {
		return LogAlerter{}
	}
	return NewSlackAlerter(cfg)
}

// LogAlerter writes alerts to the structured log only.
type LogAlerter struct{}

func (LogAlerter) Send(_ context.Context, a Alert) {
	logAlert(a)
}

func logAlert(a Alert) {
	kv := map[string]any{
		"severity":    string(a.Severity),
		"title":       a.Title,
		"symbol":      a.Symbol,
		"position_id": a.PositionID,
		"message":     a.Message,
	}
	if a.Severity == SeverityInfo {
		observ.Log("operator_alert", kv)
		return
	}
	observ.Warn("operator_alert", kv)
}

type queuedAlert struct {
	alert Alert
	hash  string
}

// SlackAlerter posts alerts to an incoming webhook from a single worker.
// Identical alerts inside the dedupe window are dropped.
type SlackAlerter struct {
	webhookURL  string
	channel     string
	dedupe      time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	policy      resilience.Policy
	queue       chan queuedAlert
	mu          sync.Mutex
	dedupeCache map[string]time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewSlackAlerter(cfg config.Alerts) *SlackAlerter {
	ctx, cancel := context.WithCancel(context.Background())
	window := time.Duration(cfg.DedupeWindowSecs) * time.Second
	if window <= 0 {
		window = 5 * time.Minute
	}
	s := &SlackAlerter{
		webhookURL:  cfg.SlackWebhookURL,
		channel:     cfg.Channel,
		dedupe:      window,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(time.Second), 5),
		policy:      resilience.Policy{Name: "slack", MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, Multiplier: 2, Timeout: 10 * time.Second},
		queue:       make(chan queuedAlert, 256),
		dedupeCache: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *SlackAlerter) Send(_ context.Context, a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	logAlert(a)

	hash := alertHash(a)
	now := time.Now()
	s.mu.Lock()
	if last, ok := s.dedupeCache[hash]; ok && now.Sub(last) < s.dedupe {
		s.mu.Unlock()
		observ.IncCounter("alerts_deduped_total", nil)
		return
	}
	s.dedupeCache[hash] = now
	for k, t := range s.dedupeCache {
		if now.Sub(t) >= s.dedupe {
			delete(s.dedupeCache, k)
		}
	}
	s.mu.Unlock()

	select {
	case s.queue <- queuedAlert{alert: a, hash: hash}:
		observ.SetGauge("alert_queue_depth", float64(len(s.queue)), nil)
	default:
		observ.IncCounter("alerts_dropped_total", map[string]string{"severity": string(a.Severity)})
	}
}

func alertHash(a Alert) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", a.Title, a.Symbol, a.PositionID, a.Message)))
	return fmt.Sprintf("%x", sum)[:16]
}

func (s *SlackAlerter) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case q := <-s.queue:
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
			err := s.policy.Retry(s.ctx, func(ctx context.Context) error {
				return slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.httpClient, s.format(q.alert))
			})
			if err != nil {
				observ.Error("slack_webhook_failed", err, map[string]any{"title": q.alert.Title})
				observ.IncCounter("alerts_failed_total", nil)
				continue
			}
			observ.IncCounter("alerts_sent_total", map[string]string{"severity": string(q.alert.Severity)})
		}
	}
}

func (s *SlackAlerter) format(a Alert) *slack.WebhookMessage {
	color := "good"
	switch a.Severity {
	case SeverityWarning:
		color = "warning"
	case SeverityCritical:
		color = "danger"
	}
	fields := []slack.AttachmentField{
		{Title: "Severity", Value: string(a.Severity), Short: true},
		{Title: "Time", Value: a.Timestamp.Format("15:04:05 MST"), Short: true},
	}
	if a.Symbol != "" {
		fields = append(fields, slack.AttachmentField{Title: "Symbol", Value: a.Symbol, Short: true})
	}
	if a.PositionID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Position", Value: a.PositionID, Short: true})
	}
	text := a.Message
	if len(text) > 3000 {
		text = text[:2990] + "..."
	}
	return &slack.WebhookMessage{
		Channel: s.channel,
		Text:    a.Title,
		Attachments: []slack.Attachment{{
			Color:  color,
			Text:   text,
			Fields: fields,
		}},
	}
}

// Close stops the worker. Queued alerts that were not yet posted are dropped.
func (s *SlackAlerter) Close() {
	s.cancel()
	<-s.done
}
