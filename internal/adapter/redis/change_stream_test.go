package redis

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detekoi/chatsage-sub004/internal/domain"
	"github.com/detekoi/chatsage-sub004/internal/metrics"
)

func newTestStream(size int) *ChangeStream {
	return &ChangeStream{queue: make(chan domain.ChannelChange, size)}
}

func TestChangeStream_HandleEnqueuesEvent(t *testing.T) {
	s := newTestStream(4)

	s.handle(`{"type":"modified","channel_name":"Alpha"}`)

	require.Len(t, s.queue, 1)
	change := <-s.queue
	assert.Equal(t, domain.ChangeModified, change.Type)
	assert.Equal(t, "alpha", change.ChannelName, "names are normalized on receipt")
}

func TestChangeStream_EventCountedOnReceipt(t *testing.T) {
	s := newTestStream(4)
	counter := metrics.ChangeEventsTotal.WithLabelValues(string(domain.ChangeModified))
	before := testutil.ToFloat64(counter)

	s.handle(`{"type":"modified","channel_name":"alpha"}`)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestChangeStream_HandleDropsMalformedPayload(t *testing.T) {
	s := newTestStream(4)

	s.handle(`{not json`)
	s.handle(`{"type":"added"}`)

	assert.Empty(t, s.queue)
}

func TestChangeStream_HandleDropsWhenQueueFull(t *testing.T) {
	s := newTestStream(1)

	s.handle(`{"type":"added","channel_name":"one"}`)
	s.handle(`{"type":"added","channel_name":"two"}`)

	require.Len(t, s.queue, 1)
	assert.Equal(t, "one", (<-s.queue).ChannelName)
}
