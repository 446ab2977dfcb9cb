// Package httpserver implements the camera proxy's HTTP surface: MJPEG
// multipart streaming, snapshots, WebSocket/FLV H.264 delivery, LL-HLS and
// legacy HLS playlists/segments, status, and LED callback delegation.
//
// Grounded on internal/distribution/server.go's CORS/cross-origin-isolation
// middleware chain and writeJSON/writeError helpers, and ingest/srt/server.go's
// one-accept-goroutine-per-bind-address pattern.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nozzlecam/camproxy/internal/hls"
	"github.com/nozzlecam/camproxy/internal/media"
	"github.com/nozzlecam/camproxy/internal/nal"
	"github.com/nozzlecam/camproxy/internal/router"
	"github.com/nozzlecam/camproxy/internal/snapshot"
)

// Mode selects which source feeds the proxy, determining whether C1-C4
// (NAL/TS/FLV/HLS) are in play or bypassed entirely.
type Mode int

const (
	H264Mode Mode = iota
	MJPEGMode
)

const (
	mjpegBoundary = "mjpegboundary"

	hlsActivityTTL = 5 * time.Second
	hlsWaitTimeout = 30 * time.Second
)

// HLSReader is the subset of *hls.Engine the HTTP server depends on,
// matching the teacher's habit of depending on narrow interfaces
// (distribution.StatsProvider, pipeline.Broadcaster) rather than concrete
// types.
type HLSReader interface {
	PlaylistModern() (string, error)
	PlaylistLegacy() (string, error)
	GetSegment(msn int64) ([]byte, error)
	GetLegacySegment(msn int64) ([]byte, error)
	GetPart(msn int64, part int) ([]byte, error)
	WaitForPart(ctx context.Context, msn int64, part int) error
}

// PacketRouter is the subset of *router.Router the HTTP server depends on.
type PacketRouter interface {
	AttachWebSocket(c router.WebSocketConsumer)
	DetachWebSocket(id string)
	AttachFLV(c router.FLVConsumer) error
	DetachFLV(id string)
	AttachMJPEG(c router.MJPEGConsumer)
	DetachMJPEG(id string)
	CachedKeyframe() ([]byte, bool)
	CachedJPEG() (media.JPEGFrame, bool)
	JPEGGeneration() int64
	ParameterSet() media.ParameterSet
	Stats() router.Stats
}

// LEDCallbacks delegates printer LED control to a collaborator outside this
// module's scope (Non-goal: "MQTT control of printer LEDs" — only this seam
// is in scope here).
type LEDCallbacks interface {
	SetLED(on bool) error
	GetLED() (bool, error)
}

// Config configures a Server.
type Config struct {
	Router      PacketRouter
	HLS         HLSReader
	Snapshot    *snapshot.Decoder
	LED         LEDCallbacks
	Mode        Mode
	MaxFPS      float64
	IdleFPS     float64
	JPEGQuality int
	Log         *slog.Logger
}

// Server serves the camera proxy's HTTP endpoints.
type Server struct {
	cfg Config
	log *slog.Logger
	upg websocket.Upgrader

	hlsActivity atomic.Int64 // unix nanos of last HLS-path request
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 80
	}
	return &Server{
		cfg: cfg,
		log: cfg.Log.With("component", "httpserver"),
		upg: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Handler returns the http.Handler for this server: case-insensitive path
// dispatch, CORS, and OPTIONS preflight on every route.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/stream", s.handleMJPEG).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/mjpeg", s.handleMJPEG).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/", s.handleMJPEG).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/snap", s.handleSnapshot).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/image", s.handleSnapshot).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/h264", s.handleH264).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/flv", s.handleFLV).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/led", s.handleLED).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	r.HandleFunc("/led/on", s.handleLEDOn).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	r.HandleFunc("/led/off", s.handleLEDOff).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)

	r.HandleFunc("/hls/playlist.m3u8", s.handleHLSPlaylist).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/hls/legacy.m3u8", s.handleHLSLegacyPlaylist).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/hls/segment-{sid:[0-9]+}-{msn:[0-9]+}.ts", s.handleHLSSegment).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/hls/legacy-segment-{sid:[0-9]+}-{msn:[0-9]+}.ts", s.handleHLSLegacySegment).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/hls/part-{sid:[0-9]+}-{msn:[0-9]+}.{part:[0-9]+}.ts", s.handleHLSPart).Methods(http.MethodGet, http.MethodOptions)

	return corsMiddleware(lowercasePathMiddleware(r))
}

// lowercasePathMiddleware gives the case-insensitive path dispatch spec.md
// §4.6 requires, which net/http's and gorilla/mux's pattern matching don't
// provide for free: every route this server registers is already
// lowercase, and the path segments we parameterize (session id, MSN, part
// index) are decimal digits, so lowercasing the whole path is safe.
func lowercasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ToLower(r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	http.Error(w, msg, code)
}

// --- MJPEG ----------------------------------------------------------------

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := newMJPEGConsumer(w, flusher, mjpegBoundary)
	s.cfg.Router.AttachMJPEG(c)
	defer s.cfg.Router.DetachMJPEG(c.ID())

	<-r.Context().Done()
}

// --- Snapshot ---------------------------------------------------------------

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Mode == MJPEGMode {
		frame, ok := s.cfg.Router.CachedJPEG()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "No frame available")
			return
		}
		// ETag tracks the router's buffer-identity generation counter, not
		// frame content: see router.JPEGGeneration for the preserved quirk
		// this reproduces.
		w.Header().Set("ETag", strconv.FormatInt(s.cfg.Router.JPEGGeneration(), 10))
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(frame.Payload)
		return
	}

	kf, ok := s.cfg.Router.CachedKeyframe()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "No frame available")
		return
	}

	width, height := 0, 0
	if ps := s.cfg.Router.ParameterSet(); !ps.Empty() {
		if info, err := nal.ParseSPS(ps.SPS); err == nil {
			width, height = info.Width, info.Height
		}
	}

	jpeg, err := s.cfg.Snapshot.DecodeKeyframe(r.Context(), kf, width, height)
	if err != nil {
		s.log.Warn("snapshot decode failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "No frame available")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(jpeg)
}

// --- H.264 (WebSocket or JSON description) ----------------------------------

// mjpegUnavailable writes the 503 scenario 6 requires: H.264/FLV/HLS
// endpoints are meaningless in MJPEG source mode since C1-C4 are bypassed
// entirely (spec.md §2, end-to-end scenario 6).
func (s *Server) mjpegUnavailable(w http.ResponseWriter) bool {
	if s.cfg.Mode != MJPEGMode {
		return false
	}
	writeError(w, http.StatusServiceUnavailable, "not available in MJPEG source mode")
	return true
}

func (s *Server) handleH264(w http.ResponseWriter, r *http.Request) {
	if s.mjpegUnavailable(w) {
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.handleH264Describe(w, r)
		return
	}

	conn, err := s.upg.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSConsumer(conn)
	s.cfg.Router.AttachWebSocket(c)
	defer s.cfg.Router.DetachWebSocket(c.ID())
	defer conn.Close()

	// Read loop: discard client payloads, handle Close/Ping per RFC 6455.
	// gorilla/websocket answers Ping with Pong automatically during Read.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleH264Describe(w http.ResponseWriter, _ *http.Request) {
	stats := s.cfg.Router.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":    "/h264",
		"description": "Upgrade: websocket to receive Annex-B binary frames",
		"clients":     stats.WSClients,
	})
}

// --- FLV --------------------------------------------------------------------

func (s *Server) handleFLV(w http.ResponseWriter, r *http.Request) {
	if s.mjpegUnavailable(w) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", "99999999999")
	w.WriteHeader(http.StatusOK)

	c := newFLVConsumer(w, flusher)
	if err := s.cfg.Router.AttachFLV(c); err != nil {
		return
	}
	defer s.cfg.Router.DetachFLV(c.ID())

	<-r.Context().Done()
}

// --- Status -------------------------------------------------------------

type statusResponse struct {
	Running          bool    `json:"running"`
	Clients          int     `json:"clients"`
	MJPEGClients     int     `json:"mjpegClients"`
	H264Clients      int     `json:"h264Clients"`
	FLVClients       int     `json:"flvClients"`
	FrameWidth       int     `json:"frameWidth"`
	FrameHeight      int     `json:"frameHeight"`
	HasFrame         bool    `json:"hasFrame"`
	MaxFPS           float64 `json:"maxFps"`
	IdleFPS          float64 `json:"idleFps"`
	JPEGQuality      int     `json:"jpegQuality"`
	FramesSkipped    int64   `json:"framesSkipped"`
	MeasuredInputFPS float64 `json:"measuredInputFps"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.cfg.Router.Stats()

	width, height := 0, 0
	hasFrame := false
	if s.cfg.Mode == MJPEGMode {
		_, hasFrame = s.cfg.Router.CachedJPEG()
	} else {
		if kf, ok := s.cfg.Router.CachedKeyframe(); ok {
			hasFrame = true
			_ = kf
		}
		if ps := s.cfg.Router.ParameterSet(); !ps.Empty() {
			if info, err := nal.ParseSPS(ps.SPS); err == nil {
				width, height = info.Width, info.Height
			}
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Running:          true,
		Clients:          stats.WSClients + stats.FLVClients + stats.MJPEGClients,
		MJPEGClients:     stats.MJPEGClients,
		H264Clients:      stats.WSClients,
		FLVClients:       stats.FLVClients,
		FrameWidth:       width,
		FrameHeight:      height,
		HasFrame:         hasFrame,
		MaxFPS:           s.cfg.MaxFPS,
		IdleFPS:          s.cfg.IdleFPS,
		JPEGQuality:      s.cfg.JPEGQuality,
		FramesSkipped:    stats.FramesDropped,
		MeasuredInputFPS: stats.InputFPS,
	})
}

// --- LED ----------------------------------------------------------------

type ledResponse struct {
	State   string `json:"state"`
	Success bool   `json:"success"`
}

func (s *Server) handleLED(w http.ResponseWriter, r *http.Request) {
	if s.cfg.LED == nil {
		writeError(w, http.StatusServiceUnavailable, "LED control not available")
		return
	}
	on, err := s.cfg.LED.GetLED()
	if err != nil {
		writeJSON(w, http.StatusOK, ledResponse{State: "off", Success: false})
		return
	}
	writeJSON(w, http.StatusOK, ledResponse{State: ledState(on), Success: true})
}

func (s *Server) handleLEDOn(w http.ResponseWriter, _ *http.Request)  { s.setLED(w, true) }
func (s *Server) handleLEDOff(w http.ResponseWriter, _ *http.Request) { s.setLED(w, false) }

func (s *Server) setLED(w http.ResponseWriter, on bool) {
	if s.cfg.LED == nil {
		writeError(w, http.StatusServiceUnavailable, "LED control not available")
		return
	}
	err := s.cfg.LED.SetLED(on)
	writeJSON(w, http.StatusOK, ledResponse{State: ledState(on), Success: err == nil})
}

func ledState(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// --- HLS ------------------------------------------------------------------

func (s *Server) markHLSActivity() {
	s.hlsActivity.Store(time.Now().UnixNano())
}

// HLSActive reports whether an HLS endpoint was requested within the last
// hlsActivityTTL. This is the seam the out-of-scope upstream pixel pipeline
// (per spec.md's Non-goals) uses to switch from idle to full encode rate;
// the core only needs to expose the signal, not consume it.
func (s *Server) HLSActive() bool {
	last := s.hlsActivity.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < hlsActivityTTL
}

func (s *Server) handleHLSPlaylist(w http.ResponseWriter, r *http.Request) {
	if s.mjpegUnavailable(w) {
		return
	}
	s.markHLSActivity()

	// _HLS_msn/_HLS_part (RFC 8216bis's mixed-case spelling) are the wire
	// names; url.Values.Get is case-sensitive, so look them up directly
	// rather than via the lowercased path's convention.
	msnStr := r.URL.Query().Get("_HLS_msn")
	partStr := r.URL.Query().Get("_HLS_part")

	if msnStr != "" && partStr != "" {
		msn, err1 := strconv.ParseInt(msnStr, 10, 64)
		part, err2 := strconv.Atoi(partStr)
		if err1 == nil && err2 == nil {
			ctx, cancel := context.WithTimeout(r.Context(), hlsWaitTimeout)
			defer cancel()
			if err := s.cfg.HLS.WaitForPart(ctx, msn, part); err != nil && !errors.Is(err, hls.ErrEvicted) {
				// cancelled or timed out: fall through and serve whatever
				// playlist snapshot is current, per spec.md §5's
				// cancellation semantics.
				_ = err
			}
		}
	}

	pl, err := s.cfg.HLS.PlaylistModern()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(pl))
}

func (s *Server) handleHLSLegacyPlaylist(w http.ResponseWriter, _ *http.Request) {
	if s.mjpegUnavailable(w) {
		return
	}
	s.markHLSActivity()
	pl, err := s.cfg.HLS.PlaylistLegacy()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(pl))
}

func (s *Server) handleHLSSegment(w http.ResponseWriter, r *http.Request) {
	if s.mjpegUnavailable(w) {
		return
	}
	s.markHLSActivity()
	msn, err := strconv.ParseInt(mux.Vars(r)["msn"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad msn")
		return
	}
	buf, err := s.cfg.HLS.GetSegment(msn)
	s.writeTSSegment(w, buf, err)
}

func (s *Server) handleHLSLegacySegment(w http.ResponseWriter, r *http.Request) {
	if s.mjpegUnavailable(w) {
		return
	}
	s.markHLSActivity()
	msn, err := strconv.ParseInt(mux.Vars(r)["msn"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad msn")
		return
	}
	buf, err := s.cfg.HLS.GetLegacySegment(msn)
	s.writeTSSegment(w, buf, err)
}

func (s *Server) handleHLSPart(w http.ResponseWriter, r *http.Request) {
	if s.mjpegUnavailable(w) {
		return
	}
	s.markHLSActivity()
	vars := mux.Vars(r)
	msn, err1 := strconv.ParseInt(vars["msn"], 10, 64)
	part, err2 := strconv.Atoi(vars["part"])
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "bad msn/part")
		return
	}
	buf, err := s.cfg.HLS.GetPart(msn, part)
	s.writeTSSegment(w, buf, err)
}

func (s *Server) writeTSSegment(w http.ResponseWriter, buf []byte, err error) {
	if err != nil {
		if errors.Is(err, hls.ErrEvicted) || errors.Is(err, hls.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	_, _ = w.Write(buf)
}
