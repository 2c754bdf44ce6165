package metrics

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisRecorderSucceedsAgainstLiveServer(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	recorder, err := NewRedisRecorder(mr.Addr())
	require.NoError(t, err)
	defer recorder.Close()
}

func TestNewRedisRecorderFailsAgainstUnreachableAddr(t *testing.T) {
	_, err := NewRedisRecorder("127.0.0.1:1")
	assert.Error(t, err)
}

func TestRecordDropIncrementsHashField(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	recorder, err := NewRedisRecorder(mr.Addr())
	require.NoError(t, err)
	defer recorder.Close()

	recorder.RecordDrop("conn-1")
	recorder.RecordDrop("conn-1")
	recorder.RecordDrop("conn-2")

	got, err := mr.HGet(dropCounterKey, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	got, err = mr.HGet(dropCounterKey, "conn-2")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestRecordDropOnClosedClientDoesNotPanic(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	recorder, err := NewRedisRecorder(mr.Addr())
	require.NoError(t, err)
	require.NoError(t, recorder.Close())

	assert.NotPanics(t, func() {
		recorder.RecordDrop("conn-after-close")
	})
}

func TestNoopRecorderDiscardsCalls(t *testing.T) {
	var r NoopRecorder
	assert.NotPanics(t, func() {
		r.RecordDrop("conn-1")
	})
}
