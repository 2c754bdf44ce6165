package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybroker/relaybroker/internal/eventlog"
	"github.com/relaybroker/relaybroker/internal/pluginhost"
)

func TestOnLoadRequiresDSN(t *testing.T) {
	p := &Plugin{}
	err := p.OnLoad(pluginhost.NewTestContext(nil))
	assert.Error(t, err)
}

func TestOnEventWithoutDBIsANoOp(t *testing.T) {
	p := &Plugin{}
	p.OnEvent(eventlog.Event{Kind: eventlog.KindUserInput, Payload: []byte("hi")})
}

func TestScheduledJobRunWithoutDBIsANoOp(t *testing.T) {
	p := &Plugin{cfg: config{RetentionDays: 30}}
	jobs := p.ScheduledJobs()
	require.Len(t, jobs, 1)
	jobs[0].Run()
}

func TestManifestDeclaresExpectedKinds(t *testing.T) {
	p := &Plugin{}
	m := p.Manifest()
	assert.Equal(t, "audit", m.Name)
	assert.Contains(t, m.Filter.Kinds, eventlog.KindUserInput)
}
