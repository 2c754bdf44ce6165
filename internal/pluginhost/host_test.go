package pluginhost

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/internal/eventlog"
)

func writeDescriptor(t *testing.T, dir, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, descriptorFile), []byte(contents), 0o644))
}

type fakePlugin struct {
	manifest Manifest
	loaded   chan *Context
	events   chan eventlog.Event
	panicOn  eventlog.Kind
}

func (p *fakePlugin) Manifest() Manifest { return p.manifest }

func (p *fakePlugin) OnLoad(ctx *Context) error {
	if p.loaded != nil {
		p.loaded <- ctx
	}
	return nil
}

func (p *fakePlugin) OnEvent(ev eventlog.Event) {
	if p.panicOn != "" && ev.Kind == p.panicOn {
		panic("boom")
	}
	if p.events != nil {
		p.events <- ev
	}
}

func newTestHost(t *testing.T) (*Host, eventlog.Log) {
	t.Helper()
	resetRegistryForTest()
	log := eventlog.New()
	return New(log, Harness{APIVersion: CurrentAPIVersion}, nil), log
}

func TestLoadAllEnablesRegisteredPluginAndDeliversEvents(t *testing.T) {
	host, log := newTestHost(t)

	events := make(chan eventlog.Event, 8)
	Register("echo", func() Plugin {
		return &fakePlugin{
			manifest: Manifest{Name: "echo", Version: "1.0.0", APIVersion: CurrentAPIVersion},
			events:   events,
		}
	})

	host.LoadAll(Enablement{Names: []string{"echo"}})

	_, err := log.Append(eventlog.GlobalPartition, eventlog.KindClientConnected, nil)
	require.NoError(t, err)

	// The host announces "echo" with a PluginLoaded event after its
	// subscription is open, so the plugin sees that announcement first.
	var ev eventlog.Event
	deadline := time.After(time.Second)
	for ev.Kind == "" || ev.Kind == eventlog.KindPluginLoaded {
		select {
		case ev = <-events:
		case <-deadline:
			t.Fatal("expected plugin to observe the appended event")
		}
	}
	assert.Equal(t, eventlog.KindClientConnected, ev.Kind)

	statuses := host.List()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateEnabled, statuses[0].State)
}

func TestLoadAllRefusesAPIVersionMismatch(t *testing.T) {
	host, _ := newTestHost(t)

	Register("stale", func() Plugin {
		return &fakePlugin{manifest: Manifest{Name: "stale", Version: "0.1.0", APIVersion: CurrentAPIVersion + 1}}
	})

	host.LoadAll(Enablement{Names: []string{"stale"}})

	statuses := host.List()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateDisabled, statuses[0].State)
	assert.Contains(t, statuses[0].Reason, "api_version mismatch")
}

func TestLoadAllUnknownPluginNameIsRefusedNotFatal(t *testing.T) {
	host, _ := newTestHost(t)

	host.LoadAll(Enablement{Names: []string{"never-registered"}})

	statuses := host.List()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateDisabled, statuses[0].State)
}

func TestPanicInOnEventDisablesPluginWithoutCrashingHost(t *testing.T) {
	host, log := newTestHost(t)

	Register("flaky", func() Plugin {
		return &fakePlugin{
			manifest: Manifest{Name: "flaky", Version: "1.0.0", APIVersion: CurrentAPIVersion},
			panicOn:  eventlog.KindClientConnected,
		}
	})

	host.LoadAll(Enablement{Names: []string{"flaky"}})

	_, err := log.Append(eventlog.GlobalPartition, eventlog.KindClientConnected, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, s := range host.List() {
			if s.Name == "flaky" && s.State == StateDisabled {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigPassedThroughToOnLoad(t *testing.T) {
	host, _ := newTestHost(t)

	loaded := make(chan *Context, 1)
	Register("configured", func() Plugin {
		return &fakePlugin{
			manifest: Manifest{Name: "configured", Version: "1.0.0", APIVersion: CurrentAPIVersion},
			loaded:   loaded,
		}
	})

	cfg := json.RawMessage(`{"channel":"#ops"}`)
	host.LoadAll(Enablement{Names: []string{"configured"}, Configs: map[string]json.RawMessage{"configured": cfg}})

	select {
	case ctx := <-loaded:
		assert.JSONEq(t, string(cfg), string(ctx.Config()))
	case <-time.After(time.Second):
		t.Fatal("expected OnLoad to be called")
	}
}

func TestDiscoverEnabledProjectOverridesUser(t *testing.T) {
	userDir := t.TempDir()
	projectDir := t.TempDir()

	writeDescriptor(t, userDir, `{"audit":{"enabled":true},"notify":{"enabled":true}}`)
	writeDescriptor(t, projectDir, `{"notify":{"enabled":false}}`)

	enablement, err := DiscoverEnabled(userDir, projectDir)
	require.NoError(t, err)
	assert.Contains(t, enablement.Names, "audit")
	assert.NotContains(t, enablement.Names, "notify")
}
