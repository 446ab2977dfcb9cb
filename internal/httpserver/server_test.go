package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nozzlecam/camproxy/internal/hls"
	"github.com/nozzlecam/camproxy/internal/media"
	"github.com/nozzlecam/camproxy/internal/router"
)

type fakeRouter struct {
	keyframe     []byte
	hasKeyframe  bool
	jpeg         media.JPEGFrame
	hasJPEG      bool
	ps             media.ParameterSet
	stats          router.Stats
	jpegGeneration int64
	attachedMJPEG  []router.MJPEGConsumer
	flvErr         error
}

func (f *fakeRouter) AttachWebSocket(router.WebSocketConsumer) {}
func (f *fakeRouter) DetachWebSocket(string)                   {}
func (f *fakeRouter) AttachFLV(c router.FLVConsumer) error      { return f.flvErr }
func (f *fakeRouter) DetachFLV(string)                          {}
func (f *fakeRouter) AttachMJPEG(c router.MJPEGConsumer) {
	f.attachedMJPEG = append(f.attachedMJPEG, c)
}
func (f *fakeRouter) DetachMJPEG(string) {}
func (f *fakeRouter) CachedKeyframe() ([]byte, bool)      { return f.keyframe, f.hasKeyframe }
func (f *fakeRouter) CachedJPEG() (media.JPEGFrame, bool) { return f.jpeg, f.hasJPEG }
func (f *fakeRouter) JPEGGeneration() int64               { return f.jpegGeneration }
func (f *fakeRouter) ParameterSet() media.ParameterSet    { return f.ps }
func (f *fakeRouter) Stats() router.Stats                 { return f.stats }

type fakeHLSReader struct {
	playlist       string
	playlistErr    error
	legacyPlaylist string
	legacyErr      error
	segment        []byte
	segmentErr     error
}

func (f *fakeHLSReader) PlaylistModern() (string, error)        { return f.playlist, f.playlistErr }
func (f *fakeHLSReader) PlaylistLegacy() (string, error)        { return f.legacyPlaylist, f.legacyErr }
func (f *fakeHLSReader) GetSegment(int64) ([]byte, error)       { return f.segment, f.segmentErr }
func (f *fakeHLSReader) GetLegacySegment(int64) ([]byte, error) { return f.segment, f.segmentErr }
func (f *fakeHLSReader) GetPart(int64, int) ([]byte, error)     { return f.segment, f.segmentErr }
func (f *fakeHLSReader) WaitForPart(ctx context.Context, msn int64, part int) error {
	return nil
}

func TestHandleSnapshotMJPEGModeReturnsCachedFrame(t *testing.T) {
	fr := &fakeRouter{jpeg: media.JPEGFrame{Payload: []byte{0xff, 0xd8, 0xff, 0xd9}}, hasJPEG: true, jpegGeneration: 3}
	s := New(Config{Router: fr, Mode: MJPEGMode})

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, rec.Body.Bytes())
	assert.Equal(t, "3", rec.Header().Get("ETag"))
}

func TestHandleSnapshotMJPEGModeNoFrameReturns503(t *testing.T) {
	fr := &fakeRouter{hasJPEG: false}
	s := New(Config{Router: fr, Mode: MJPEGMode})

	req := httptest.NewRequest(http.MethodGet, "/snap", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleStatusReportsClientCounts(t *testing.T) {
	fr := &fakeRouter{stats: router.Stats{WSClients: 2, FLVClients: 1, MJPEGClients: 3, FramesDropped: 7}}
	s := New(Config{Router: fr, Mode: H264Mode})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"h264Clients":2`)
	assert.Contains(t, rec.Body.String(), `"flvClients":1`)
	assert.Contains(t, rec.Body.String(), `"mjpegClients":3`)
	assert.Contains(t, rec.Body.String(), `"framesSkipped":7`)
}

func TestHandleLEDUnavailableWithoutCallbacks(t *testing.T) {
	fr := &fakeRouter{}
	s := New(Config{Router: fr})

	req := httptest.NewRequest(http.MethodGet, "/led", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeLED struct {
	on  bool
	err error
}

func (f *fakeLED) SetLED(on bool) error { f.on = on; return f.err }
func (f *fakeLED) GetLED() (bool, error) { return f.on, f.err }

func TestHandleLEDOnSetsState(t *testing.T) {
	led := &fakeLED{}
	s := New(Config{Router: &fakeRouter{}, LED: led})

	req := httptest.NewRequest(http.MethodPost, "/led/on", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, led.on)
	assert.Contains(t, rec.Body.String(), `"state":"on"`)
}

func TestHandleHLSPlaylistNotReadyReturns503(t *testing.T) {
	hr := &fakeHLSReader{playlistErr: hls.ErrNotReady}
	s := New(Config{Router: &fakeRouter{}, HLS: hr})

	req := httptest.NewRequest(http.MethodGet, "/hls/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHLSPlaylistReadyReturnsBody(t *testing.T) {
	hr := &fakeHLSReader{playlist: "#EXTM3U\n"}
	s := New(Config{Router: &fakeRouter{}, HLS: hr})

	req := httptest.NewRequest(http.MethodGet, "/hls/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())
}

func TestHandleHLSSegmentEvictedReturns404(t *testing.T) {
	hr := &fakeHLSReader{segmentErr: hls.ErrEvicted}
	s := New(Config{Router: &fakeRouter{}, HLS: hr})

	req := httptest.NewRequest(http.MethodGet, "/hls/segment-1-5.ts", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHLSSegmentSuccessReturnsBytes(t *testing.T) {
	hr := &fakeHLSReader{segment: []byte{0x47, 0x00, 0x01}}
	s := New(Config{Router: &fakeRouter{}, HLS: hr})

	req := httptest.NewRequest(http.MethodGet, "/hls/segment-1-5.ts", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x47, 0x00, 0x01}, rec.Body.Bytes())
}

func TestOptionsRequestReturnsNoContentWithCORSHeaders(t *testing.T) {
	s := New(Config{Router: &fakeRouter{}})

	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPathDispatchIsCaseInsensitive(t *testing.T) {
	fr := &fakeRouter{stats: router.Stats{}}
	s := New(Config{Router: fr})

	req := httptest.NewRequest(http.MethodGet, "/STATUS", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleFLVAttachErrorEndsRequestWithoutPanicking(t *testing.T) {
	fr := &fakeRouter{flvErr: errors.New("attach failed")}
	s := New(Config{Router: fr})

	req := httptest.NewRequest(http.MethodGet, "/flv", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
