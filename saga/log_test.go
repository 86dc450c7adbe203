package saga

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogInMemory(t *testing.T) {
	l, err := OpenLog("")
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Event{SagaID: "s1", DocumentID: "d1", Status: "running"}))
	require.NoError(t, l.Append(Event{SagaID: "s1", DocumentID: "d1", Step: "a", Status: "completed", Attempts: 2}))

	events := l.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "running", events[0].Status)
	assert.Equal(t, "a", events[1].Step)
	assert.Equal(t, 2, events[1].Attempts)
	assert.False(t, events[0].Time.IsZero(), "timestamps are filled in on append")
	assert.Equal(t, time.UTC, events[0].Time.Location())
}

func TestLogFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.ndjson")

	l, err := OpenLog(path)
	require.NoError(t, err)

	require.NoError(t, l.Append(Event{SagaID: "s1", DocumentID: "d1", Status: "running"}))
	require.NoError(t, l.Append(Event{
		SagaID:     "s1",
		DocumentID: "d1",
		Step:       "payload_stream",
		Status:     "failed",
		Attempts:   3,
		NativeKeys: []string{"k1", "k2"},
		ErrorKind:  "TRANSIENT",
		Error:      "connection reset",
	}))
	require.NoError(t, l.Close())

	// One JSON object per line.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), raw[len(raw)-1])

	events, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, []string{"k1", "k2"}, events[1].NativeKeys)
	assert.Equal(t, "TRANSIENT", events[1].ErrorKind)
	assert.Equal(t, 3, events[1].Attempts)
}

func TestLogAppendAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.ndjson")

	l, err := OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(Event{SagaID: "s1", DocumentID: "d1", Status: "running"}))
	require.NoError(t, l.Close())

	l, err = OpenLog(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(Event{SagaID: "s2", DocumentID: "d2", Status: "running"}))
	require.NoError(t, l.Close())

	events, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, events, 2, "reopening must append, not truncate")
	assert.Equal(t, "s1", events[0].SagaID)
	assert.Equal(t, "s2", events[1].SagaID)
}

func TestLogConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.ndjson")
	l, err := OpenLog(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = l.Append(Event{SagaID: "s", DocumentID: "d", Status: "running"})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	events, err := ReadLog(path)
	require.NoError(t, err)
	assert.Len(t, events, 400, "concurrent appends must not interleave partial lines")
}
