package kafkabridge

import (
	"testing"

	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/processor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeDispatcher struct {
	submitted []processor.Action
	pools     []ids.SessionPoolName
	accept    bool
}

func (f *fakeDispatcher) Submit(pool ids.SessionPoolName, action processor.Action) bool {
	f.pools = append(f.pools, pool)
	f.submitted = append(f.submitted, action)
	return f.accept
}

func newTestBridge(d Dispatcher) *Bridge {
	return &Bridge{dispatcher: d, log: zerolog.Nop()}
}

func TestHandleRecord_ValidJSONDispatchesPublish(t *testing.T) {
	d := &fakeDispatcher{accept: true}
	b := newTestBridge(d)

	record := &kgo.Record{Topic: "room-pool", Key: []byte("room.1"), Value: []byte(`{"n":1}`)}
	b.handleRecord(record)

	require.Len(t, d.submitted, 1)
	require.Equal(t, ids.SessionPoolName("room-pool"), d.pools[0])
	require.Equal(t, processor.ActionPublish, d.submitted[0].Kind)
	require.Equal(t, ids.Topic("room.1"), d.submitted[0].Topic)

	received, dropped := b.Stats()
	require.Equal(t, uint64(1), received)
	require.Equal(t, uint64(0), dropped)
}

func TestHandleRecord_NonJSONIsDropped(t *testing.T) {
	d := &fakeDispatcher{accept: true}
	b := newTestBridge(d)

	record := &kgo.Record{Topic: "room-pool", Key: []byte("room.1"), Value: []byte(`not json`)}
	b.handleRecord(record)

	require.Empty(t, d.submitted)
	_, dropped := b.Stats()
	require.Equal(t, uint64(1), dropped)
}

func TestHandleRecord_NoLivePoolIsDropped(t *testing.T) {
	d := &fakeDispatcher{accept: false}
	b := newTestBridge(d)

	record := &kgo.Record{Topic: "ghost-pool", Key: []byte("x"), Value: []byte(`{}`)}
	b.handleRecord(record)

	require.Len(t, d.submitted, 1)
	_, dropped := b.Stats()
	require.Equal(t, uint64(1), dropped)
}
