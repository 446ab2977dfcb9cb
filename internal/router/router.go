// Package router implements the single packet fan-out point between the
// ingest feed and every downstream consumer: the HLS engine, WebSocket
// H.264 clients, FLV clients, and (in MJPEG source mode) MJPEG clients.
package router

import (
	"context"
	"log/slog"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nozzlecam/camproxy/internal/flvmux"
	"github.com/nozzlecam/camproxy/internal/logthrottle"
	"github.com/nozzlecam/camproxy/internal/media"
	"github.com/nozzlecam/camproxy/internal/nal"
)

const (
	wsClientBuffer  = 8
	flvClientBuffer = 8
	mjpegClientBuffer = 4
	statsLogInterval = 30 * time.Second
)

// HLSForwarder is the subset of *hls.Engine the router depends on. Accepting
// an interface keeps the router testable without a real engine.
type HLSForwarder interface {
	PushFrame(pkt media.H264Packet)
	PushJPEG(frame media.JPEGFrame)
	SetParameterSet(ps media.ParameterSet)
}

// Stats is a point-in-time snapshot of router throughput, logged every
// statsLogInterval and exposed via the HTTP /status endpoint.
type Stats struct {
	InputFPS       float64
	TotalFrames    int64
	TotalKeyframes int64
	FramesDropped  int64
	WSClients      int
	FLVClients     int
	MJPEGClients   int
}

// Router is the fan-out hub described by SPEC_FULL.md's Packet Router
// component. It forwards every H.264 packet to the HLS engine unconditionally,
// and conditionally builds an Annex-B copy for WebSocket delivery and an FLV
// tag per connected FLV client. Grounded on distribution/relay.go's
// BroadcastVideo/AddViewer fan-out, re-keyed to a single stream.
type Router struct {
	log      *slog.Logger
	hls      HLSForwarder
	throttle *logthrottle.Throttler

	psMu sync.RWMutex
	ps   media.ParameterSet

	mu             sync.RWMutex
	wsConsumers    map[string]*wsClient
	flvConsumers   map[string]*flvClient
	mjpegConsumers map[string]*mjpegClient

	kfMu               sync.RWMutex
	lastKeyframeAnnexB  []byte
	lastKeyframeIsJPEG  bool
	lastJPEG            media.JPEGFrame
	lastJPEGPtr         uintptr
	jpegGeneration      int64

	totalFrames    atomic.Int64
	totalKeyframes atomic.Int64
	framesDropped  atomic.Int64

	statsMu     sync.Mutex
	windowStart time.Time
	windowCount int64
	fps         atomic.Uint64 // math.Float64bits(fps)
	lastLog     time.Time
}

// New creates a Router that forwards decoded frames to hls and logs via log.
func New(hls HLSForwarder, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now()
	return &Router{
		log:            log.With("component", "router"),
		hls:            hls,
		throttle:       logthrottle.New(logthrottle.General, log.With("component", "router")),
		wsConsumers:    make(map[string]*wsClient),
		flvConsumers:   make(map[string]*flvClient),
		mjpegConsumers: make(map[string]*mjpegClient),
		windowStart:    now,
		lastLog:        now,
	}
}

// SetParameterSet stores the current SPS/PPS/length-prefix size and forwards
// it to the HLS engine. Per spec.md §3, consumers must pick up the new value
// before emitting the next keyframe; storing it before any frame referencing
// it arrives is the caller's responsibility (the ingest feed adapter calls
// this synchronously ahead of the first PushH264).
func (r *Router) SetParameterSet(ps media.ParameterSet) {
	r.psMu.Lock()
	r.ps = ps
	r.psMu.Unlock()
	r.hls.SetParameterSet(ps)
}

func (r *Router) currentPS() media.ParameterSet {
	r.psMu.RLock()
	defer r.psMu.RUnlock()
	return r.ps
}

// ParameterSet returns the current SPS/PPS/length-size, for callers (the
// HTTP server's snapshot and status handlers) that need SPS dimensions
// without reaching into the router's internals.
func (r *Router) ParameterSet() media.ParameterSet {
	return r.currentPS()
}

// PushH264 is the single entry point for H.264 packets from the ingest. It
// implements the five-step contract from spec.md §4.5.
func (r *Router) PushH264(pkt media.H264Packet) {
	now := time.Now()
	r.recordFrame(now, pkt.IsKeyframe)

	// Step 2: forward unconditionally so segments accumulate even with zero
	// HTTP clients.
	r.hls.PushFrame(pkt)

	r.mu.RLock()
	wsCount := len(r.wsConsumers)
	flvCount := len(r.flvConsumers)
	r.mu.RUnlock()

	needsAnnexB := wsCount > 0 || pkt.IsKeyframe
	if needsAnnexB {
		ps := r.currentPS()
		frame, err := nal.AVCCToAnnexB(pkt.Payload, ps.LengthSize, true)
		if err != nil {
			r.throttle.Log(context.Background(), slog.LevelWarn, "dropping malformed packet: "+err.Error())
		} else {
			if pkt.IsKeyframe && !ps.Empty() {
				frame = prependParamSet(ps, frame)
			}
			if pkt.IsKeyframe {
				r.kfMu.Lock()
				r.lastKeyframeAnnexB = frame
				r.lastKeyframeIsJPEG = false
				r.kfMu.Unlock()
			}
			if wsCount > 0 {
				r.broadcastWS(frame)
			}
		}
	}

	if flvCount > 0 {
		r.broadcastFLV(pkt)
	}

	r.maybeLogStats(now)
}

// PushJPEG is the MJPEG source-mode bypass path: it skips C1-C4 entirely,
// caches the frame, and fans out to MJPEG consumers only.
func (r *Router) PushJPEG(frame media.JPEGFrame) {
	now := time.Now()
	r.recordFrame(now, false)

	r.kfMu.Lock()
	r.lastJPEG = frame
	r.lastKeyframeIsJPEG = true
	// Snapshot cache invalidation by buffer identity, not content: this is
	// the upstream quirk spec.md §9 flags rather than silently fixing. If
	// the caller pushes the same backing array twice (even with different
	// bytes, e.g. mutated in place), the generation does not advance.
	if ptr := payloadPtr(frame.Payload); ptr == 0 || ptr != r.lastJPEGPtr {
		r.lastJPEGPtr = ptr
		r.jpegGeneration++
	}
	r.kfMu.Unlock()

	r.hls.PushJPEG(frame)
	r.broadcastMJPEG(frame)
	r.maybeLogStats(now)
}

// payloadPtr returns the address of a byte slice's backing array, or 0 for
// an empty slice.
func payloadPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return reflect.ValueOf(b).Pointer()
}

// JPEGGeneration returns the MJPEG snapshot cache's current generation
// counter, advanced only when PushJPEG observes a new backing array for the
// JPEG payload. Used as the /snapshot endpoint's ETag in MJPEG source mode,
// which is where spec.md §9's reference-identity cache bug is preserved and
// externally observable: pushing the identical buffer twice in a row yields
// the same ETag even if ingest mutated its contents between pushes.
func (r *Router) JPEGGeneration() int64 {
	r.kfMu.RLock()
	defer r.kfMu.RUnlock()
	return r.jpegGeneration
}

// CachedKeyframe returns the last cached Annex-B keyframe (with SPS/PPS
// prepended) and whether a cache is present at all, for late-attaching
// WebSocket clients and the H.264-mode snapshot path.
func (r *Router) CachedKeyframe() ([]byte, bool) {
	r.kfMu.RLock()
	defer r.kfMu.RUnlock()
	if r.lastKeyframeIsJPEG || r.lastKeyframeAnnexB == nil {
		return nil, false
	}
	return r.lastKeyframeAnnexB, true
}

// CachedJPEG returns the last cached JPEG frame from MJPEG source mode. See
// JPEGGeneration for the reference-identity cache behavior preserved
// alongside this cache per spec.md §9.
func (r *Router) CachedJPEG() (media.JPEGFrame, bool) {
	r.kfMu.RLock()
	defer r.kfMu.RUnlock()
	if !r.lastKeyframeIsJPEG {
		return media.JPEGFrame{}, false
	}
	return r.lastJPEG, true
}

func prependParamSet(ps media.ParameterSet, frame []byte) []byte {
	start := nal.AnnexBStartCode()
	out := make([]byte, 0, len(start)*2+len(ps.SPS)+len(ps.PPS)+len(frame))
	out = append(out, start...)
	out = append(out, ps.SPS...)
	out = append(out, start...)
	out = append(out, ps.PPS...)
	out = append(out, frame...)
	return out
}

func (r *Router) recordFrame(now time.Time, isKeyframe bool) {
	r.totalFrames.Add(1)
	if isKeyframe {
		r.totalKeyframes.Add(1)
	}

	r.statsMu.Lock()
	r.windowCount++
	if elapsed := now.Sub(r.windowStart); elapsed >= time.Second {
		fps := float64(r.windowCount) / elapsed.Seconds()
		r.fps.Store(math.Float64bits(fps))
		r.windowCount = 0
		r.windowStart = now
	}
	r.statsMu.Unlock()
}

func (r *Router) maybeLogStats(now time.Time) {
	r.statsMu.Lock()
	due := now.Sub(r.lastLog) >= statsLogInterval
	if due {
		r.lastLog = now
	}
	r.statsMu.Unlock()
	if !due {
		return
	}

	s := r.Stats()
	r.log.Info("router stats",
		"inputFPS", s.InputFPS,
		"totalFrames", s.TotalFrames,
		"totalKeyframes", s.TotalKeyframes,
		"framesDropped", s.FramesDropped,
		"wsClients", s.WSClients,
		"flvClients", s.FLVClients,
		"mjpegClients", s.MJPEGClients)
}

// Stats returns a point-in-time snapshot of router throughput.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	ws, flv, mj := len(r.wsConsumers), len(r.flvConsumers), len(r.mjpegConsumers)
	r.mu.RUnlock()
	return Stats{
		InputFPS:       math.Float64frombits(r.fps.Load()),
		TotalFrames:    r.totalFrames.Load(),
		TotalKeyframes: r.totalKeyframes.Load(),
		FramesDropped:  r.framesDropped.Load(),
		WSClients:      ws,
		FLVClients:     flv,
		MJPEGClients:   mj,
	}
}

// --- WebSocket consumers -----------------------------------------------

type wsClient struct {
	consumer WebSocketConsumer
	ch       chan []byte
	stop     chan struct{}
}

// AttachWebSocket replays the cached keyframe to c, then registers it for
// live delivery. Replay happens strictly before registration so that
// broadcastWS cannot interleave a live frame before the replay completes —
// the same ordering guarantee as distribution/relay.go's AddViewer.
func (r *Router) AttachWebSocket(c WebSocketConsumer) {
	if kf, ok := r.CachedKeyframe(); ok {
		if err := c.SendAnnexB(kf); err != nil {
			return
		}
	}

	wc := &wsClient{consumer: c, ch: make(chan []byte, wsClientBuffer), stop: make(chan struct{})}
	r.mu.Lock()
	r.wsConsumers[c.ID()] = wc
	r.mu.Unlock()
	go r.runWSClient(wc)
}

// DetachWebSocket unregisters a WebSocket client and stops its delivery
// goroutine.
func (r *Router) DetachWebSocket(id string) {
	r.mu.Lock()
	wc, ok := r.wsConsumers[id]
	if ok {
		delete(r.wsConsumers, id)
	}
	r.mu.Unlock()
	if ok {
		close(wc.stop)
	}
}

// runWSClient drains wc's queue and delivers frames in order. It checks stop
// non-blocking before every blocking receive, the same priority-drain shape
// internal/pipeline/pipeline.go uses to keep a higher-priority signal from
// starving behind a full channel.
func (r *Router) runWSClient(wc *wsClient) {
	for {
		select {
		case <-wc.stop:
			return
		default:
		}

		select {
		case <-wc.stop:
			return
		case frame := <-wc.ch:
			if err := wc.consumer.SendAnnexB(frame); err != nil {
				r.throttle.Log(context.Background(), slog.LevelInfo, "websocket consumer gone: "+err.Error())
				r.DetachWebSocket(wc.consumer.ID())
				return
			}
		}
	}
}

// broadcastWS enqueues frame on every connected client's channel, best
// effort: a full channel means a slow client, and the frame is dropped
// rather than blocking the ingest thread.
func (r *Router) broadcastWS(frame []byte) {
	r.mu.RLock()
	clients := make([]*wsClient, 0, len(r.wsConsumers))
	for _, wc := range r.wsConsumers {
		clients = append(clients, wc)
	}
	r.mu.RUnlock()

	for _, wc := range clients {
		select {
		case wc.ch <- frame:
		default:
			r.framesDropped.Add(1)
		}
	}
}

// --- FLV consumers -------------------------------------------------------

type flvFrame struct {
	pkt         media.H264Packet
	timestampMs int64
}

type flvClient struct {
	consumer FLVConsumer
	muxer    *flvmux.Muxer
	ch       chan flvFrame
	stop     chan struct{}
}

// AttachFLV sends the FLV header, onMetaData, and AVC decoder config tag to
// c (built from the current parameter set), then registers c for live P/I
// frame delivery through its own gated muxer instance.
func (r *Router) AttachFLV(c FLVConsumer) error {
	ps := r.currentPS()
	width, height := 0, 0
	if !ps.Empty() {
		if info, err := nal.ParseSPS(ps.SPS); err == nil {
			width, height = info.Width, info.Height
		}
	}
	fps := r.Stats().InputFPS
	if fps <= 0 {
		fps = 15
	}

	m := flvmux.NewMuxer(width, height, fps)
	if err := c.SendBytes(m.Open(ps)); err != nil {
		return err
	}

	fc := &flvClient{consumer: c, muxer: m, ch: make(chan flvFrame, flvClientBuffer), stop: make(chan struct{})}
	r.mu.Lock()
	r.flvConsumers[c.ID()] = fc
	r.mu.Unlock()
	go r.runFLVClient(fc)
	return nil
}

// DetachFLV unregisters an FLV client.
func (r *Router) DetachFLV(id string) {
	r.mu.Lock()
	fc, ok := r.flvConsumers[id]
	if ok {
		delete(r.flvConsumers, id)
	}
	r.mu.Unlock()
	if ok {
		close(fc.stop)
	}
}

func (r *Router) runFLVClient(fc *flvClient) {
	for {
		select {
		case <-fc.stop:
			return
		default:
		}

		select {
		case <-fc.stop:
			return
		case job := <-fc.ch:
			tag := fc.muxer.WriteFrame(job.pkt, job.timestampMs)
			if len(tag) == 0 {
				continue
			}
			if err := fc.consumer.SendBytes(tag); err != nil {
				r.throttle.Log(context.Background(), slog.LevelInfo, "flv consumer gone: "+err.Error())
				r.DetachFLV(fc.consumer.ID())
				return
			}
		}
	}
}

func (r *Router) broadcastFLV(pkt media.H264Packet) {
	r.mu.RLock()
	clients := make([]*flvClient, 0, len(r.flvConsumers))
	for _, fc := range r.flvConsumers {
		clients = append(clients, fc)
	}
	r.mu.RUnlock()

	job := flvFrame{pkt: pkt, timestampMs: pkt.PTSMillis}
	for _, fc := range clients {
		select {
		case fc.ch <- job:
		default:
			r.framesDropped.Add(1)
		}
	}
}

// --- MJPEG consumers ------------------------------------------------------

type mjpegClient struct {
	consumer MJPEGConsumer
	ch       chan media.JPEGFrame
	stop     chan struct{}
}

// AttachMJPEG sends the cached JPEG immediately if present, then registers c
// for live delivery.
func (r *Router) AttachMJPEG(c MJPEGConsumer) {
	if frame, ok := r.CachedJPEG(); ok {
		if err := c.SendJPEG(frame); err != nil {
			return
		}
	}

	mc := &mjpegClient{consumer: c, ch: make(chan media.JPEGFrame, mjpegClientBuffer), stop: make(chan struct{})}
	r.mu.Lock()
	r.mjpegConsumers[c.ID()] = mc
	r.mu.Unlock()
	go r.runMJPEGClient(mc)
}

// DetachMJPEG unregisters an MJPEG client.
func (r *Router) DetachMJPEG(id string) {
	r.mu.Lock()
	mc, ok := r.mjpegConsumers[id]
	if ok {
		delete(r.mjpegConsumers, id)
	}
	r.mu.Unlock()
	if ok {
		close(mc.stop)
	}
}

func (r *Router) runMJPEGClient(mc *mjpegClient) {
	for {
		select {
		case <-mc.stop:
			return
		default:
		}

		select {
		case <-mc.stop:
			return
		case frame := <-mc.ch:
			if err := mc.consumer.SendJPEG(frame); err != nil {
				r.throttle.Log(context.Background(), slog.LevelInfo, "mjpeg consumer gone: "+err.Error())
				r.DetachMJPEG(mc.consumer.ID())
				return
			}
		}
	}
}

func (r *Router) broadcastMJPEG(frame media.JPEGFrame) {
	r.mu.RLock()
	clients := make([]*mjpegClient, 0, len(r.mjpegConsumers))
	for _, mc := range r.mjpegConsumers {
		clients = append(clients, mc)
	}
	r.mu.RUnlock()

	for _, mc := range clients {
		select {
		case mc.ch <- frame:
		default:
			r.framesDropped.Add(1)
		}
	}
}
