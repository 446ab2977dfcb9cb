package snapshot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDecoder(calls *atomic.Int64, out []byte) *Decoder {
	d := New("", nil)
	d.cacheTTL = 50 * time.Millisecond
	d.decodeFn = func(ctx context.Context, annexB []byte, width, height int) ([]byte, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return out, nil
	}
	return d
}

func TestDecodeKeyframeCachesWithinTTL(t *testing.T) {
	var calls atomic.Int64
	d := newTestDecoder(&calls, []byte{0xff, 0xd8, 0xff, 0xd9})

	frame := []byte{0x65, 1, 2, 3}
	out1, err := d.DecodeKeyframe(context.Background(), frame, 640, 480)
	require.NoError(t, err)

	out2, err := d.DecodeKeyframe(context.Background(), frame, 640, 480)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
	assert.EqualValues(t, 1, calls.Load(), "a repeat request within the TTL must not re-invoke ffmpeg")
}

func TestDecodeKeyframeRedecodesAfterTTLExpires(t *testing.T) {
	var calls atomic.Int64
	d := newTestDecoder(&calls, []byte{0xff, 0xd8, 0xff, 0xd9})

	frame := []byte{0x65, 1, 2, 3}
	_, err := d.DecodeKeyframe(context.Background(), frame, 0, 0)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = d.DecodeKeyframe(context.Background(), frame, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDecodeKeyframeCoalescesConcurrentRequestsBySameContent(t *testing.T) {
	var calls atomic.Int64
	d := newTestDecoder(&calls, []byte{0xff, 0xd8, 0xff, 0xd9})

	frame := []byte{0x65, 9, 9, 9}
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, _ = d.DecodeKeyframe(context.Background(), frame, 0, 0)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assert.EqualValues(t, 1, calls.Load(), "8 concurrent requests for identical bytes must share one decode")
}

func TestDecodeKeyframeTreatsDifferentContentAsDistinctKeys(t *testing.T) {
	var calls atomic.Int64
	d := newTestDecoder(&calls, []byte{0xff, 0xd8, 0xff, 0xd9})

	_, err := d.DecodeKeyframe(context.Background(), []byte{0x65, 1}, 0, 0)
	require.NoError(t, err)
	_, err = d.DecodeKeyframe(context.Background(), []byte{0x65, 2}, 0, 0)
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load())
}

func TestFingerprintIsContentBasedNotPointerBased(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := make([]byte, len(a))
	copy(b, a)

	assert.Equal(t, fingerprint(a), fingerprint(b), "two distinct slices with identical content must hash identically")

	c := []byte{1, 2, 3, 5}
	assert.NotEqual(t, fingerprint(a), fingerprint(c))
}
