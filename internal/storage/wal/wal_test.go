package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)

	_, err = w.Append(Event{Type: EventSet, Key: "a", Value: []byte("1")}, false)
	require.NoError(t, err)
	_, err = w.Append(Event{Type: EventSet, Key: "b", Value: []byte("2")}, false)
	require.NoError(t, err)
	seq, err := w.Append(Event{Type: EventDelete, Key: "a"}, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	var replayed []Event
	require.NoError(t, w.Replay(1, func(e Event) error {
		replayed = append(replayed, e)
		return nil
	}))
	require.Len(t, replayed, 2)
	assert.Equal(t, "b", replayed[0].Key)
	assert.Equal(t, EventDelete, replayed[1].Type)
	require.NoError(t, w.Close())

	// reopening continues numbering
	w, err = NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(3), w.GetLastSeq())
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")
	require.NoError(t, os.WriteFile(path, []byte(`{"seq":1,"type":"SET","key":"a","timestamp":1,"checksum":42}`+"\n"), 0644))

	w, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()

	err = w.Replay(0, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReplayIgnoresTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	_, err = w.Append(Event{Type: EventSet, Key: "a", Value: []byte("1")}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"SE`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(1), w.GetLastSeq())

	count := 0
	require.NoError(t, w.Replay(0, func(Event) error { count++; return nil }))
	assert.Equal(t, 1, count)
}

func TestRotateKeepsSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(Event{Type: EventSet, Key: "a"}, true)
	require.NoError(t, err)
	require.NoError(t, w.Rotate())

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	seq, err := w.Append(Event{Type: EventSet, Key: "b"}, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestAppendAfterClose(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "store.wal"), true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(Event{Type: EventSet, Key: "a"}, true)
	assert.ErrorIs(t, err, ErrWALClosed)
}
