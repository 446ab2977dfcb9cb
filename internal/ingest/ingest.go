// Package ingest is the rendezvous point between an out-of-process camera
// driver (FFmpeg demux, MJPEG HTTP client, hardware probe — all outside this
// module's scope) and the core pipeline. It is the teacher's
// internal/ingest.Registry collapsed from a keyed multi-stream map down to
// the single long-lived stream this proxy handles, per the architecture
// decision recorded in DESIGN.md.
package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nozzlecam/camproxy/internal/media"
)

// Format identifies which kind of frames the current ingest driver produces.
type Format int32

// Supported ingest frame formats.
const (
	FormatH264 Format = iota
	FormatMJPEG
)

func (f Format) String() string {
	if f == FormatMJPEG {
		return "mjpeg"
	}
	return "h264"
}

// Stats captures connection-level metrics for the active ingest stream,
// exposed for diagnostics the way the teacher's Stream.IngestStats is.
type Stats struct {
	Connected      bool   `json:"connected"`
	Format         string `json:"format"`
	FramesReceived int64  `json:"framesReceived"`
	BytesReceived  int64  `json:"bytesReceived"`
	ConnectedAt    int64  `json:"connectedAt"`
	UptimeMs       int64  `json:"uptimeMs"`
	RemoteAddr     string `json:"remoteAddr"`
}

// PacketSink is the subset of *router.Router the feed forwards decoded
// frames to. Accepting an interface here, rather than importing
// internal/router directly, mirrors the narrow-dependency style used
// elsewhere in this codebase (router.HLSForwarder, httpserver.PacketRouter).
type PacketSink interface {
	PushH264(pkt media.H264Packet)
	PushJPEG(frame media.JPEGFrame)
	SetParameterSet(ps media.ParameterSet)
}

// Feed implements the camera proxy's ingest contract:
//
//	PushH264(ctx, pkt) error
//	PushJPEG(ctx, frame) error
//	SetParameterSet(ps)
//
// cmd/camproxy/main.go constructs one Feed wrapping the router; no driver
// is wired to it inside this binary. Unlike the teacher's Registry, there is
// no onStream callback or stream key: Connect/Disconnect mark the single
// stream's lifecycle as reported by Stats, and the Push* methods are
// always live.
type Feed struct {
	sink PacketSink
	log  *slog.Logger

	connected atomic.Bool
	format    atomic.Int32
	startedAt atomic.Int64 // unix nanos

	framesReceived atomic.Int64
	bytesReceived  atomic.Int64
	remoteAddr     atomic.Value // string
}

// New creates a Feed forwarding frames to sink.
func New(sink PacketSink, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	f := &Feed{sink: sink, log: log.With("component", "ingest")}
	f.remoteAddr.Store("")
	return f
}

// Connect marks the ingest stream as active, recording the driver's remote
// address (if any) and the format it will push. Safe to call again after a
// driver reconnects; it resets the frame/byte counters and start time.
func (f *Feed) Connect(remoteAddr string, format Format) {
	f.remoteAddr.Store(remoteAddr)
	f.format.Store(int32(format))
	f.framesReceived.Store(0)
	f.bytesReceived.Store(0)
	f.startedAt.Store(time.Now().UnixNano())
	f.connected.Store(true)
	f.log.Info("ingest connected", "remoteAddr", remoteAddr, "format", format)
}

// Disconnect marks the ingest stream as inactive. Cached frames already
// pushed to the router remain available to consumers; only the Connected
// flag reported by Stats changes.
func (f *Feed) Disconnect() {
	if f.connected.CompareAndSwap(true, false) {
		f.log.Info("ingest disconnected")
	}
}

// SetParameterSet forwards the current SPS/PPS/length-size to the sink. Per
// spec.md §3, the caller must invoke this before the first PushH264 that
// references the new parameter set, and before any keyframe after a format
// change.
func (f *Feed) SetParameterSet(ps media.ParameterSet) {
	f.sink.SetParameterSet(ps)
}

// PushH264 forwards one H.264 access unit to the router. It returns ctx's
// error if the context is already done, so a driver using context
// cancellation to signal shutdown gets a clean error instead of a silent
// drop.
func (f *Feed) PushH264(ctx context.Context, pkt media.H264Packet) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	f.framesReceived.Add(1)
	f.bytesReceived.Add(int64(len(pkt.Payload)))
	f.sink.PushH264(pkt)
	return nil
}

// PushJPEG forwards one JPEG frame to the router in MJPEG source mode.
func (f *Feed) PushJPEG(ctx context.Context, frame media.JPEGFrame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	f.framesReceived.Add(1)
	f.bytesReceived.Add(int64(len(frame.Payload)))
	f.sink.PushJPEG(frame)
	return nil
}

// Stats returns a point-in-time snapshot of ingest connection metrics.
func (f *Feed) Stats() Stats {
	connected := f.connected.Load()
	started := f.startedAt.Load()
	var connectedAt, uptimeMs int64
	if started != 0 {
		connectedAt = time.Unix(0, started).UnixMilli()
		uptimeMs = time.Since(time.Unix(0, started)).Milliseconds()
	}
	addr, _ := f.remoteAddr.Load().(string)
	return Stats{
		Connected:      connected,
		Format:         Format(f.format.Load()).String(),
		FramesReceived: f.framesReceived.Load(),
		BytesReceived:  f.bytesReceived.Load(),
		ConnectedAt:    connectedAt,
		UptimeMs:       uptimeMs,
		RemoteAddr:     addr,
	}
}
