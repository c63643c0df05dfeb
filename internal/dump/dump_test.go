package dump

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitStampsTime(t *testing.T) {
	f := NewFeed(4)
	f.Emit(Event{Kind: LinkAdded, Link: 1})

	ev := <-f.Events()
	assert.Equal(t, LinkAdded, ev.Kind)
	assert.False(t, ev.Time.IsZero())
}

func TestEmitDropsWhenFull(t *testing.T) {
	f := NewFeed(2)
	for i := 0; i < 5; i++ {
		f.Emit(Event{Kind: SegmentSent, Seq: uint64(i)})
	}
	assert.Equal(t, int64(3), f.Dropped())

	// The buffered events are the earliest ones.
	ev := <-f.Events()
	assert.Equal(t, uint64(0), ev.Seq)
}

func TestCloseIdempotent(t *testing.T) {
	f := NewFeed(1)
	f.Close()
	f.Close()
	_, ok := <-f.Events()
	assert.False(t, ok)
}

func TestWriteJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	f := NewFeed(16)

	done := make(chan struct{})
	go func() {
		WriteJSONLines(path, f)
		close(done)
	}()

	f.Emit(Event{Kind: LinkAdded, Session: 7, Link: 1})
	f.Emit(Event{Kind: SequenceGap, Session: 7, Seq: 42, Detail: "reorder"})
	f.Emit(Event{Kind: LinkRemoved, Session: 7, Link: 1})
	f.Close()
	<-done

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var events []Event
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())

	require.Len(t, events, 3)
	assert.Equal(t, LinkAdded, events[0].Kind)
	assert.Equal(t, uint64(42), events[1].Seq)
	assert.Equal(t, "reorder", events[1].Detail)
	assert.Equal(t, uint32(1), events[2].Link)
}
