// Package notify is a reference PluginHost consumer that posts webhook
// notifications (Slack-compatible payload shape) when a session changes
// state or a permission request needs a human. Grounded in the teacher's
// plugins/streamspace-slack package: same webhook-POST-with-rate-limit
// shape, reworked from the teacher's session/user CRUD events onto
// RelayBroker's SessionStateChanged/Hook event kinds.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/pluginhost"
)

func init() {
	pluginhost.Register("notify", func() pluginhost.Plugin { return &Plugin{} })
}

type config struct {
	WebhookURL  string `json:"webhook_url"`
	Channel     string `json:"channel,omitempty"`
	RateLimit   int    `json:"rate_limit,omitempty"`
	OnFailure   bool   `json:"on_failure"`
	OnCompleted bool   `json:"on_completed"`
	OnPermission bool  `json:"on_permission_needed"`
}

// Plugin posts a webhook message for session-lifecycle and
// permission-request events the operator cares about.
type Plugin struct {
	cfg config

	mu        sync.Mutex
	sentCount int
	windowAt  time.Time

	client *http.Client
}

type sessionStateChangedPayload struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

type hookPayload struct {
	InvocationID string          `json:"invocation_id"`
	HookType     string          `json:"hook_type"`
	SessionID    string          `json:"session_id"`
	Payload      json.RawMessage `json:"payload"`
}

type webhookMessage struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

func (p *Plugin) Manifest() pluginhost.Manifest {
	return pluginhost.Manifest{
		Name:       "notify",
		Version:    "1.0.0",
		APIVersion: pluginhost.CurrentAPIVersion,
		Filter: pluginhost.FilterSpec{
			Kinds: []eventlog.Kind{eventlog.KindSessionStateChanged, eventlog.KindHook},
		},
	}
}

func (p *Plugin) OnLoad(ctx *pluginhost.Context) error {
	if err := json.Unmarshal(ctx.Config(), &p.cfg); err != nil && len(ctx.Config()) > 0 {
		return fmt.Errorf("notify: invalid config: %w", err)
	}
	if p.cfg.WebhookURL == "" {
		return fmt.Errorf("notify: webhook_url is required")
	}
	if p.cfg.RateLimit == 0 {
		p.cfg.RateLimit = 20
	}
	p.client = &http.Client{Timeout: 5 * time.Second}
	p.windowAt = time.Now()
	return nil
}

func (p *Plugin) OnEvent(ev eventlog.Event) {
	switch ev.Kind {
	case eventlog.KindSessionStateChanged:
		p.handleStateChanged(ev)
	case eventlog.KindHook:
		p.handleHook(ev)
	}
}

func (p *Plugin) handleStateChanged(ev eventlog.Event) {
	var payload sessionStateChangedPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return
	}
	switch payload.State {
	case "Failed":
		if !p.cfg.OnFailure {
			return
		}
		p.post(fmt.Sprintf("session %s failed: %s", payload.SessionID, payload.Reason))
	case "Completed":
		if !p.cfg.OnCompleted {
			return
		}
		p.post(fmt.Sprintf("session %s completed", payload.SessionID))
	}
}

func (p *Plugin) handleHook(ev eventlog.Event) {
	if !p.cfg.OnPermission {
		return
	}
	var payload hookPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return
	}
	if payload.HookType != "permission_needed" {
		return
	}
	p.post(fmt.Sprintf("session %s is waiting for a permission decision", payload.SessionID))
}

func (p *Plugin) post(text string) {
	if !p.allow() {
		return
	}
	msg := webhookMessage{Text: text, Channel: p.cfg.Channel}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	resp, err := p.client.Post(p.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	defer resp.Body.Close()
}

func (p *Plugin) allow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.windowAt) > time.Hour {
		p.sentCount = 0
		p.windowAt = now
	}
	if p.sentCount >= p.cfg.RateLimit {
		return false
	}
	p.sentCount++
	return true
}
