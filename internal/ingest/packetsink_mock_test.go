package ingest

import (
	"context"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/nozzlecam/camproxy/internal/media"
)

// These exercise Feed against a generated gomock.Controller-based double
// instead of the hand-written fakeSink in ingest_test.go, verifying the exact call
// sequence and arguments Feed forwards to its sink.
func TestFeedForwardsH264ToMockSinkInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := NewMockPacketSink(ctrl)

	pkt1 := media.H264Packet{Payload: []byte{1, 2, 3}, IsKeyframe: true}
	pkt2 := media.H264Packet{Payload: []byte{4, 5}}
	gomock.InOrder(
		sink.EXPECT().PushH264(pkt1),
		sink.EXPECT().PushH264(pkt2),
	)

	f := New(sink, nil)
	if err := f.PushH264(context.Background(), pkt1); err != nil {
		t.Fatalf("PushH264: %v", err)
	}
	if err := f.PushH264(context.Background(), pkt2); err != nil {
		t.Fatalf("PushH264: %v", err)
	}
}

func TestFeedSetParameterSetForwardsToMockSink(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := NewMockPacketSink(ctrl)

	ps := media.ParameterSet{SPS: []byte{0x67}, PPS: []byte{0x68}, LengthSize: 4}
	sink.EXPECT().SetParameterSet(ps)

	f := New(sink, nil)
	f.SetParameterSet(ps)
}

func TestFeedPushJPEGForwardsToMockSink(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := NewMockPacketSink(ctrl)

	frame := media.JPEGFrame{Payload: []byte{0xFF, 0xD8}, PTSMillis: 42}
	sink.EXPECT().PushJPEG(frame)

	f := New(sink, nil)
	if err := f.PushJPEG(context.Background(), frame); err != nil {
		t.Fatalf("PushJPEG: %v", err)
	}
}

func TestFeedPushH264DoesNotCallSinkWhenContextCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := NewMockPacketSink(ctrl) // no EXPECT() calls: a cancelled context must short-circuit

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(sink, nil)
	if err := f.PushH264(ctx, media.H264Packet{}); err == nil {
		t.Fatal("expected context.Canceled, got nil")
	}
}
