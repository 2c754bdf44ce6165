// Package pluginhost implements spec.md §4.5: discovery, loading,
// supervision, and unloading of in-process plugin modules, with a narrow
// capability surface (subscribe, publish, register_command,
// register_route, harness/capabilities) and panic-isolated dispatch.
//
// Grounded in the teacher's internal/plugins package: registry.go's
// global factory registry (plugins self-register via init()),
// base_plugin.go's embeddable no-op default lifecycle, and
// event_bus.go's per-handler panic recovery — reworked from a
// string-keyed pub/sub bus into an EventLog-subscription-backed one, so
// plugin event delivery shares the same offset/backpressure semantics as
// every other consumer instead of a separate in-memory fanout path.
package pluginhost

import (
	"encoding/json"

	"github.com/relaybroker/relaybroker/internal/eventlog"
)

// State is a plugin's lifecycle state (spec.md §3).
type State string

const (
	StateLoaded   State = "Loaded"
	StateEnabled  State = "Enabled"
	StateDisabled State = "Disabled"
	StateUnloaded State = "Unloaded"
)

// FilterSpec narrows the event-log slice a plugin's subscription
// receives. An empty Kinds means "every kind"; an empty PartitionPrefix
// means "every partition".
type FilterSpec struct {
	Kinds           []eventlog.Kind `json:"kinds,omitempty"`
	PartitionPrefix string          `json:"partition_prefix,omitempty"`
}

func (f FilterSpec) matches(ev eventlog.Event) bool {
	if len(f.Kinds) > 0 {
		match := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.PartitionPrefix != "" && !hasPrefix(ev.Partition, f.PartitionPrefix) {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// CommandArg describes one argument a plugin-registered CLI verb accepts.
type CommandArg struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// CommandSpec is a plugin-declared CLI verb, composed by the surrounding
// program under a top-level verb (spec.md §4.5).
type CommandSpec struct {
	Path        []string             `json:"path"`
	Description string               `json:"description,omitempty"`
	Args        []CommandArg         `json:"args,omitempty"`
	Handler     func(args map[string]string) (interface{}, error) `json:"-"`
}

// RouteSpec is a plugin-declared HTTP route, composed under a
// plugin-prefixed URL namespace by the HTTP layer.
type RouteSpec struct {
	Method  string                                    `json:"method"`
	Path    string                                     `json:"path"`
	Handler func(body []byte) (int, []byte)            `json:"-"`
}

// Manifest describes a plugin: its identity, required api-version, and
// the commands/routes/filter it declares at load time.
type Manifest struct {
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	APIVersion int         `json:"api_version"`
	Commands   []CommandSpec `json:"commands,omitempty"`
	Routes     []RouteSpec   `json:"routes,omitempty"`
	Filter     FilterSpec    `json:"filter,omitempty"`
}

// ScheduledJob is a plugin-declared periodic task, run on the host's
// shared cron scheduler (spec.md §4.5's capability surface extended with
// the teacher's internal/plugins/scheduler.go pattern — see DESIGN.md).
type ScheduledJob struct {
	CronSpec string
	Run      func()
}

// Plugin is the interface every plugin module implements.
type Plugin interface {
	Manifest() Manifest
	OnLoad(ctx *Context) error
	OnEvent(ev eventlog.Event)
}

// Scheduled is an optional interface a Plugin implements to declare
// periodic jobs.
type Scheduled interface {
	ScheduledJobs() []ScheduledJob
}

// Factory constructs a new Plugin instance. Plugins register a Factory
// under their name at package init time via Register.
type Factory func() Plugin

// Harness is the introspection surface plugins receive into the
// child-assistant environment (spec.md §4.5's "config paths, feature
// toggles").
type Harness struct {
	ConfigDir string
	PluginDir string
	APIVersion int
}

// Context is the capability surface a loaded plugin receives, per
// spec.md §4.5: subscribe (handled automatically via Manifest.Filter and
// OnEvent), publish, register_command, register_route, and harness
// introspection.
type Context struct {
	pluginName string
	host       *Host
	config     json.RawMessage
}

// Publish is a thin wrapper over EventLog.Append.
func (c *Context) Publish(partition string, kind eventlog.Kind, payload []byte) error {
	_, err := c.host.log.Append(partition, kind, payload)
	return err
}

// Config returns the plugin's raw JSON configuration block, as declared
// in the enabling plugins.json descriptor (empty if none).
func (c *Context) Config() json.RawMessage {
	return c.config
}

// Harness returns the introspection surface for this plugin.
func (c *Context) Harness() Harness {
	return c.host.harness
}

// NewTestContext builds a Context carrying config but no backing Host —
// Config() and Harness() work, Publish panics if called. Exported for
// plugin packages' own unit tests, which only need to exercise a
// plugin's OnLoad validation against a config block.
func NewTestContext(config json.RawMessage) *Context {
	return &Context{config: config}
}
