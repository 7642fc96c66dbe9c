package notify

import (
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Event is a flow terminal-state transition worth notifying about.
type Event struct {
	FlowID   string
	WorkerID string
	Status   string
	Reason   string
}

// Sink delivers a flow Event to some external channel. Notify runs on the
// caller's goroutine and returns once delivery has been attempted; each
// Notify call owns its own error handling and logs rather than returns.
type Sink interface {
	Notify(ev Event)
}

// Fanout delivers an Event to every configured Sink.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Notify(ev Event) {
	for _, s := range f.sinks {
		s.Notify(ev)
	}
}

// WebpushSink adapts a push-subscription Manager into a Sink, rendering
// the event as a small JSON payload for the browser's notification API.
type WebpushSink struct {
	manager *Manager
}

func NewWebpushSink(manager *Manager) *WebpushSink {
	return &WebpushSink{manager: manager}
}

func (s *WebpushSink) Notify(ev Event) {
	payload := fmt.Sprintf(`{"title":"Flow %s","body":"worker %s: %s"}`, ev.Status, ev.WorkerID, ev.Reason)
	s.manager.Send([]byte(payload))
}

// SlackSink posts flow terminal transitions to an incoming webhook.
type SlackSink struct {
	webhookURL string
	logger     *slog.Logger
}

func NewSlackSink(webhookURL string, logger *slog.Logger) *SlackSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackSink{webhookURL: webhookURL, logger: logger}
}

func (s *SlackSink) Notify(ev Event) {
	if s.webhookURL == "" {
		return
	}
	text := fmt.Sprintf(":robot_face: flow `%s` on worker `%s` finished *%s*", ev.FlowID, ev.WorkerID, ev.Status)
	if ev.Reason != "" {
		text += fmt.Sprintf(" (%s)", ev.Reason)
	}
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhook(s.webhookURL, msg); err != nil {
		s.logger.Warn("slack notification failed", "flow_id", ev.FlowID, "err", err)
	}
}
