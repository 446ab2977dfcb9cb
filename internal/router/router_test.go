package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nozzlecam/camproxy/internal/media"
)

type fakeHLS struct {
	mu       sync.Mutex
	frames   []media.H264Packet
	jpegs    []media.JPEGFrame
	ps       media.ParameterSet
}

func (f *fakeHLS) PushFrame(pkt media.H264Packet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, pkt)
}

func (f *fakeHLS) PushJPEG(frame media.JPEGFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jpegs = append(f.jpegs, frame)
}

func (f *fakeHLS) SetParameterSet(ps media.ParameterSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ps = ps
}

func (f *fakeHLS) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeWSConsumer struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	failing bool
}

func (c *fakeWSConsumer) ID() string { return c.id }

func (c *fakeWSConsumer) SendAnnexB(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("send failed")
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeWSConsumer) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func testParamSet() media.ParameterSet {
	return media.ParameterSet{
		SPS:        []byte{0x67, 0x42, 0x00, 0x1f},
		PPS:        []byte{0x68, 0xce, 0x3c, 0x80},
		LengthSize: 4,
	}
}

func avccPacket(keyframe bool, ptsMs int64, nalus ...[]byte) media.H264Packet {
	var payload []byte
	for _, n := range nalus {
		l := len(n)
		payload = append(payload, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		payload = append(payload, n...)
	}
	return media.H264Packet{Payload: payload, IsKeyframe: keyframe, PTSMillis: ptsMs}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func TestPushH264ForwardsToHLSUnconditionally(t *testing.T) {
	hls := &fakeHLS{}
	r := New(hls, nil)
	r.SetParameterSet(testParamSet())

	r.PushH264(avccPacket(true, 0, []byte{0x65, 1, 2}))
	r.PushH264(avccPacket(false, 33, []byte{0x61, 3, 4}))

	assert.Equal(t, 2, hls.frameCount(), "every frame must reach the HLS engine regardless of attached consumers")
}

func TestAttachWebSocketReplaysCachedKeyframeBeforeLiveFrames(t *testing.T) {
	hls := &fakeHLS{}
	r := New(hls, nil)
	r.SetParameterSet(testParamSet())

	r.PushH264(avccPacket(true, 0, []byte{0x65, 1}))
	eventually(t, func() bool { _, ok := r.CachedKeyframe(); return ok })

	c := &fakeWSConsumer{id: "client-1"}
	r.AttachWebSocket(c)

	r.PushH264(avccPacket(false, 33, []byte{0x61, 2}))
	eventually(t, func() bool { return len(c.received()) >= 2 })

	frames := c.received()
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Contains(t, string(frames[0]), "\x65", "first frame delivered to a new client must be the cached keyframe")
}

func TestWebSocketSendFailureDetachesClient(t *testing.T) {
	hls := &fakeHLS{}
	r := New(hls, nil)
	r.SetParameterSet(testParamSet())
	r.PushH264(avccPacket(true, 0, []byte{0x65, 1}))

	c := &fakeWSConsumer{id: "bad-client", failing: true}
	// AttachWebSocket's initial replay fails immediately, so the client is
	// never registered.
	r.AttachWebSocket(c)

	r.mu.RLock()
	_, registered := r.wsConsumers[c.id]
	r.mu.RUnlock()
	assert.False(t, registered)
}

func TestPushJPEGBypassesHLSFrameForwardingButStillNotifiesEngine(t *testing.T) {
	hls := &fakeHLS{}
	r := New(hls, nil)

	r.PushJPEG(media.JPEGFrame{Payload: []byte{0xff, 0xd8}, PTSMillis: 10})

	assert.Equal(t, 0, hls.frameCount())
	assert.Len(t, hls.jpegs, 1)

	frame, ok := r.CachedJPEG()
	require.True(t, ok)
	assert.Equal(t, int64(10), frame.PTSMillis)

	_, ok = r.CachedKeyframe()
	assert.False(t, ok, "MJPEG mode must not populate the H.264 keyframe cache")
}

func TestJPEGGenerationAdvancesOnlyOnNewBackingArray(t *testing.T) {
	hls := &fakeHLS{}
	r := New(hls, nil)

	buf := []byte{0xff, 0xd8, 0xff, 0xd9}
	r.PushJPEG(media.JPEGFrame{Payload: buf, PTSMillis: 1})
	gen1 := r.JPEGGeneration()

	// Same backing array, mutated in place: the bug this preserves means the
	// generation must NOT advance, even though the bytes differ now.
	buf[0] = 0x00
	r.PushJPEG(media.JPEGFrame{Payload: buf, PTSMillis: 2})
	gen2 := r.JPEGGeneration()
	assert.Equal(t, gen1, gen2, "pushing the identical buffer must not advance the generation, even if mutated")

	// A genuinely new buffer must advance it.
	r.PushJPEG(media.JPEGFrame{Payload: []byte{1, 2, 3, 4}, PTSMillis: 3})
	gen3 := r.JPEGGeneration()
	assert.Greater(t, gen3, gen2)
}

func TestStatsReflectAttachedConsumerCounts(t *testing.T) {
	hls := &fakeHLS{}
	r := New(hls, nil)
	r.SetParameterSet(testParamSet())
	r.PushH264(avccPacket(true, 0, []byte{0x65, 1}))

	r.AttachWebSocket(&fakeWSConsumer{id: "a"})
	r.AttachWebSocket(&fakeWSConsumer{id: "b"})

	s := r.Stats()
	assert.Equal(t, 2, s.WSClients)
	assert.EqualValues(t, 1, s.TotalFrames)
	assert.EqualValues(t, 1, s.TotalKeyframes)
}
