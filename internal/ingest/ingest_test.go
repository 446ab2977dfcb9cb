package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nozzlecam/camproxy/internal/media"
)

type fakeSink struct {
	mu     sync.Mutex
	h264   []media.H264Packet
	jpegs  []media.JPEGFrame
	params []media.ParameterSet
}

func (s *fakeSink) PushH264(pkt media.H264Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h264 = append(s.h264, pkt)
}

func (s *fakeSink) PushJPEG(frame media.JPEGFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jpegs = append(s.jpegs, frame)
}

func (s *fakeSink) SetParameterSet(ps media.ParameterSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = append(s.params, ps)
}

func TestFeedPushH264ForwardsToSinkAndCountsBytes(t *testing.T) {
	sink := &fakeSink{}
	f := New(sink, nil)

	err := f.PushH264(context.Background(), media.H264Packet{Payload: []byte{1, 2, 3}})
	require.NoError(t, err)
	err = f.PushH264(context.Background(), media.H264Packet{Payload: []byte{4, 5}})
	require.NoError(t, err)

	assert.Len(t, sink.h264, 2)
	stats := f.Stats()
	assert.EqualValues(t, 2, stats.FramesReceived)
	assert.EqualValues(t, 5, stats.BytesReceived)
}

func TestFeedPushJPEGForwardsToSink(t *testing.T) {
	sink := &fakeSink{}
	f := New(sink, nil)

	err := f.PushJPEG(context.Background(), media.JPEGFrame{Payload: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	assert.Len(t, sink.jpegs, 1)
	assert.EqualValues(t, 4, f.Stats().BytesReceived)
}

func TestFeedPushReturnsContextErrorWhenCancelled(t *testing.T) {
	sink := &fakeSink{}
	f := New(sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.PushH264(ctx, media.H264Packet{Payload: []byte{1}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.h264, "a cancelled push must not reach the sink")
}

func TestFeedSetParameterSetForwardsToSink(t *testing.T) {
	sink := &fakeSink{}
	f := New(sink, nil)

	ps := media.ParameterSet{SPS: []byte{1}, PPS: []byte{2}, LengthSize: 4}
	f.SetParameterSet(ps)

	require.Len(t, sink.params, 1)
	assert.Equal(t, ps, sink.params[0])
}

func TestFeedConnectDisconnectTracksStats(t *testing.T) {
	sink := &fakeSink{}
	f := New(sink, nil)

	assert.False(t, f.Stats().Connected)

	f.Connect("192.168.1.50:5000", FormatH264)
	time.Sleep(5 * time.Millisecond)

	stats := f.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, "192.168.1.50:5000", stats.RemoteAddr)
	assert.Equal(t, "h264", stats.Format)
	assert.Greater(t, stats.UptimeMs, int64(-1))
	assert.NotZero(t, stats.ConnectedAt)

	f.Disconnect()
	assert.False(t, f.Stats().Connected)
}

func TestFeedConnectResetsCounters(t *testing.T) {
	sink := &fakeSink{}
	f := New(sink, nil)

	f.Connect("a", FormatH264)
	_ = f.PushH264(context.Background(), media.H264Packet{Payload: []byte{1, 2, 3}})
	assert.EqualValues(t, 1, f.Stats().FramesReceived)

	f.Connect("b", FormatMJPEG)
	assert.EqualValues(t, 0, f.Stats().FramesReceived, "reconnecting resets frame/byte counters")
	assert.Equal(t, "mjpeg", f.Stats().Format)
}

func TestFeedConcurrentPushesAreRaceFree(t *testing.T) {
	sink := &fakeSink{}
	f := New(sink, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.PushH264(context.Background(), media.H264Packet{Payload: []byte{1, 2}})
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 50, f.Stats().FramesReceived)
}
