package pluginhost

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/logger"
)

// CurrentAPIVersion is the host's current plugin ABI version. A plugin
// whose Manifest().APIVersion does not exactly equal this value is
// refused at load time — spec.md §3 invariant 4 and §8 Scenario E: the
// broker does not crash, the plugin is absent from listings and receives
// no events, and a diagnostic naming both versions is logged.
const CurrentAPIVersion = 1

// Status is a read-only snapshot of one loaded (or refused) plugin, for
// listings and diagnostics.
type Status struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	APIVersion int      `json:"api_version"`
	State      State    `json:"state"`
	Commands   []string `json:"commands,omitempty"`
	Routes     []string `json:"routes,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

type loadedPlugin struct {
	instance Plugin
	manifest Manifest
	state    State
	reason   string
	sub      *eventlog.Subscription
}

// Host discovers, loads, supervises, and unloads plugins. Grounded in the
// teacher's internal/plugins/event_bus.go Emit/EmitSync panic-recovery
// pattern, reworked here so each plugin's event feed is a dedicated
// EventLog subscription (filtered per its Manifest.Filter) dispatched on
// its own goroutine, rather than a shared in-memory fanout bus — this way
// a plugin observes the exact same offset-ordered stream any other
// consumer would, and a lagging plugin is dropped by the log's existing
// backpressure policy instead of needing a second one.
type Host struct {
	mu      sync.RWMutex
	log     eventlog.Log
	harness Harness
	cron    *cron.Cron
	plugins map[string]*loadedPlugin
}

// New builds a Host. cronSched may be nil, in which case plugin-declared
// ScheduledJobs are accepted but never run (a diagnostic is logged per
// job) — callers wanting scheduling should pass the *cron.Cron returned
// by session.Sweeper.Start() so plugin jobs share the broker's single
// scheduler instance.
func New(log eventlog.Log, harness Harness, cronSched *cron.Cron) *Host {
	return &Host{
		log:     log,
		harness: harness,
		cron:    cronSched,
		plugins: map[string]*loadedPlugin{},
	}
}

// LoadAll loads every plugin named in enablement.Names. A plugin that
// fails to register, fails its api_version check, or returns an error
// from OnLoad ends up Disabled with a reason rather than aborting the
// whole batch — one broken plugin must never take others down with it.
func (h *Host) LoadAll(enablement Enablement) {
	for _, name := range enablement.Names {
		h.load(name, enablement.Configs[name])
	}
}

func (h *Host) load(name string, config json.RawMessage) {
	factory, ok := lookupFactory(name)
	if !ok {
		h.recordRefusal(name, "", fmt.Sprintf("no plugin registered under name %q", name))
		return
	}

	instance := factory()
	manifest := instance.Manifest()

	if manifest.APIVersion != CurrentAPIVersion {
		reason := fmt.Sprintf("api_version mismatch: plugin declares %d, host is %d", manifest.APIVersion, CurrentAPIVersion)
		h.recordRefusal(name, manifest.Version, reason)
		logger.Plugin().Warn().Str("plugin", name).Int("plugin_api_version", manifest.APIVersion).
			Int("host_api_version", CurrentAPIVersion).Msg("plugin refused: api_version mismatch")
		return
	}

	lp := &loadedPlugin{instance: instance, manifest: manifest, state: StateLoaded}

	h.mu.Lock()
	h.plugins[name] = lp
	h.mu.Unlock()

	ctx := &Context{pluginName: name, host: h, config: config}
	if err := instance.OnLoad(ctx); err != nil {
		h.disable(name, fmt.Sprintf("OnLoad failed: %v", err))
		return
	}

	sub, err := h.log.Subscribe(eventlog.GlobalPartition, 0, 256)
	if err != nil {
		h.disable(name, fmt.Sprintf("failed to subscribe: %v", err))
		return
	}
	// Plugins see the global partition only; a per-session feed would
	// require knowing session-ids up front. Filter.PartitionPrefix lets a
	// plugin narrow which partitions it actually cares about when it is
	// additionally subscribed elsewhere — see Context.Publish for the
	// write side of the same asymmetry.
	lp.sub = sub
	lp.state = StateEnabled

	go h.dispatchLoop(name, lp)

	if scheduled, ok := instance.(Scheduled); ok {
		h.scheduleJobs(name, scheduled.ScheduledJobs())
	}

	if _, err := h.log.Append(eventlog.GlobalPartition, eventlog.KindPluginLoaded, mustJSON(Status{
		Name: name, Version: manifest.Version, APIVersion: manifest.APIVersion, State: StateEnabled,
	})); err != nil {
		logger.Plugin().Error().Err(err).Str("plugin", name).Msg("failed to publish PluginLoaded")
	}
	logger.Plugin().Info().Str("plugin", name).Str("version", manifest.Version).Msg("plugin loaded")
}

func (h *Host) scheduleJobs(name string, jobs []ScheduledJob) {
	for _, job := range jobs {
		if h.cron == nil {
			logger.Plugin().Warn().Str("plugin", name).Str("cron", job.CronSpec).
				Msg("plugin declared a scheduled job but host has no scheduler configured")
			continue
		}
		run := job.Run
		pluginName := name
		if _, err := h.cron.AddFunc(job.CronSpec, h.supervisedJob(pluginName, run)); err != nil {
			logger.Plugin().Error().Err(err).Str("plugin", name).Str("cron", job.CronSpec).
				Msg("failed to schedule plugin job")
		}
	}
}

// supervisedJob wraps a plugin-declared cron job with the same
// panic-isolation guarantee as event dispatch: a misbehaving job disables
// its plugin rather than taking down the scheduler goroutine.
func (h *Host) supervisedJob(name string, run func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				h.disable(name, fmt.Sprintf("panic in scheduled job: %v", r))
			}
		}()
		run()
	}
}

// dispatchLoop feeds a plugin's OnEvent from its subscription, recovering
// from any panic by disabling the plugin and publishing a diagnostic
// (spec.md §4.5 Failure semantics) rather than letting one plugin's bug
// crash the broker.
func (h *Host) dispatchLoop(name string, lp *loadedPlugin) {
	for ev := range lp.sub.Events {
		if !lp.manifest.Filter.matches(ev) {
			continue
		}
		h.dispatchOne(name, lp, ev)
	}
}

func (h *Host) dispatchOne(name string, lp *loadedPlugin, ev eventlog.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.disable(name, fmt.Sprintf("panic handling event %s: %v", ev.Kind, r))
		}
	}()
	lp.instance.OnEvent(ev)
}

// disable transitions a plugin to Disabled, unsubscribes it, and
// publishes a diagnostic event. Safe to call more than once.
func (h *Host) disable(name, reason string) {
	h.mu.Lock()
	lp, ok := h.plugins[name]
	if !ok || lp.state == StateDisabled || lp.state == StateUnloaded {
		h.mu.Unlock()
		return
	}
	lp.state = StateDisabled
	lp.reason = reason
	sub := lp.sub
	h.mu.Unlock()

	if sub != nil {
		sub.Close()
	}

	logger.Plugin().Error().Str("plugin", name).Str("reason", reason).Msg("plugin disabled")
	if _, err := h.log.Append(eventlog.GlobalPartition, eventlog.KindPluginLoaded, mustJSON(Status{
		Name: name, State: StateDisabled, Reason: reason,
	})); err != nil {
		logger.Plugin().Error().Err(err).Str("plugin", name).Msg("failed to publish plugin-disabled diagnostic")
	}
}

func (h *Host) recordRefusal(name, version, reason string) {
	h.mu.Lock()
	h.plugins[name] = &loadedPlugin{
		manifest: Manifest{Name: name, Version: version},
		state:    StateDisabled,
		reason:   reason,
	}
	h.mu.Unlock()
	logger.Plugin().Warn().Str("plugin", name).Str("reason", reason).Msg("plugin refused")
}

// Unload transitions a plugin to Unloaded, closing its subscription. It is
// a no-op if the plugin is unknown or already unloaded.
func (h *Host) Unload(name string) {
	h.mu.Lock()
	lp, ok := h.plugins[name]
	if !ok || lp.state == StateUnloaded {
		h.mu.Unlock()
		return
	}
	lp.state = StateUnloaded
	sub := lp.sub
	h.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	logger.Plugin().Info().Str("plugin", name).Msg("plugin unloaded")
}

// List returns a snapshot of every known plugin, loaded or refused —
// spec.md §4.5: a mismatched-version plugin is absent from *listings of
// active plugins* but still worth surfacing here for operator diagnostics.
func (h *Host) List() []Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Status, 0, len(h.plugins))
	for name, lp := range h.plugins {
		out = append(out, Status{
			Name:       name,
			Version:    lp.manifest.Version,
			APIVersion: lp.manifest.APIVersion,
			State:      lp.state,
			Commands:   commandPaths(lp.manifest.Commands),
			Routes:     routePaths(lp.manifest.Routes),
			Reason:     lp.reason,
		})
	}
	return out
}

// Commands returns the CommandSpecs from every Enabled plugin, for the
// CLI/HTTP layer to compose into its own namespace.
func (h *Host) Commands() []CommandSpec {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []CommandSpec
	for _, lp := range h.plugins {
		if lp.state == StateEnabled {
			out = append(out, lp.manifest.Commands...)
		}
	}
	return out
}

// Routes returns the RouteSpecs from every Enabled plugin, each Path
// prefixed with "/<plugin name>" so the HTTP layer mounts it inside that
// plugin's own namespace.
func (h *Host) Routes() []RouteSpec {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []RouteSpec
	for name, lp := range h.plugins {
		if lp.state == StateEnabled {
			for _, r := range lp.manifest.Routes {
				r.Path = "/" + name + r.Path
				out = append(out, r)
			}
		}
	}
	return out
}

func commandPaths(cmds []CommandSpec) []string {
	var out []string
	for _, c := range cmds {
		out = append(out, fmt.Sprintf("%v", c.Path))
	}
	return out
}

func routePaths(routes []RouteSpec) []string {
	var out []string
	for _, r := range routes {
		out = append(out, r.Method+" "+r.Path)
	}
	return out
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
