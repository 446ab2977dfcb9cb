// Package snapshot decodes a single cached H.264 keyframe into a JPEG image
// on demand, via a one-shot ffmpeg subprocess invocation.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL = 100 * time.Millisecond // 10 fps cap, per spec.md §4.6
	defaultTimeout  = 5 * time.Second
	stderrBufSize   = 4096
)

type cachedResult struct {
	key     string
	data    []byte
	expires time.Time
}

// Decoder decodes Annex-B H.264 keyframes to JPEG using ffmpeg. Concurrent
// and rapidly repeated requests for the same keyframe bytes are coalesced:
// keyed by a content fingerprint (FNV-1a over the payload), not by pointer
// identity, which is the one place this proxy deliberately diverges from
// the upstream MJPEG-mode snapshot cache's reference-identity bug (see
// DESIGN.md and SPEC_FULL.md §6.7/§11 item 3 — that bug is preserved, but
// only in internal/router's MJPEG cache, where it was originally observed).
type Decoder struct {
	ffmpegPath string
	log        *slog.Logger
	cacheTTL   time.Duration
	timeout    time.Duration

	sf singleflight.Group

	cacheMu sync.Mutex
	cache   cachedResult

	// decodeFn performs the actual decode; defaults to d.runFFmpeg. Tests in
	// this package override it to avoid depending on a real ffmpeg binary.
	decodeFn func(ctx context.Context, annexB []byte, width, height int) ([]byte, error)
}

// New creates a Decoder that shells out to the ffmpeg binary at ffmpegPath
// ("ffmpeg" if empty, resolved via PATH).
func New(ffmpegPath string, log *slog.Logger) *Decoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Decoder{
		ffmpegPath: ffmpegPath,
		log:        log.With("component", "snapshot"),
		cacheTTL:   defaultCacheTTL,
		timeout:    defaultTimeout,
	}
	d.decodeFn = d.runFFmpeg
	return d
}

// DecodeKeyframe decodes annexB (one Annex-B keyframe, SPS/PPS already
// prepended) to JPEG bytes. When width and height are both positive the
// JPEG is scaled to that size; otherwise it keeps the size decoded from the SPS.
func (d *Decoder) DecodeKeyframe(ctx context.Context, annexB []byte, width, height int) ([]byte, error) {
	key := fingerprint(annexB)
	now := time.Now()

	d.cacheMu.Lock()
	if d.cache.key == key && now.Before(d.cache.expires) {
		data := d.cache.data
		d.cacheMu.Unlock()
		return data, nil
	}
	d.cacheMu.Unlock()

	// singleflight.Group coalesces concurrent requests for the same content
	// fingerprint into one ffmpeg invocation, so a burst of snapshot
	// requests within the cache TTL never spawns more than one subprocess.
	v, err, _ := d.sf.Do(key, func() (any, error) {
		return d.decodeFn(ctx, annexB, width, height)
	})
	if err != nil {
		return nil, err
	}
	data := v.([]byte)

	d.cacheMu.Lock()
	d.cache = cachedResult{key: key, data: data, expires: time.Now().Add(d.cacheTTL)}
	d.cacheMu.Unlock()

	return data, nil
}

func fingerprint(data []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%x:%d", h.Sum64(), len(data))
}

// runFFmpeg runs a single ffmpeg invocation, feeding annexB on stdin and
// reading one JPEG frame from stdout. Grounded on
// hypercamio-mediadevices-ffmpeg's ffmpegProcess: exec.CommandContext,
// StdoutPipe/StderrPipe, background stderr drain into a bounded buffer,
// deterministic termination — collapsed from a long-lived streaming
// process into a single-shot decode since each call handles exactly one
// keyframe.
func (d *Decoder) runFFmpeg(ctx context.Context, annexB []byte, width, height int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "h264", "-i", "pipe:0",
		"-frames:v", "1",
	}
	if width > 0 && height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", width, height))
	}
	args = append(args, "-f", "image2", "-vcodec", "mjpeg", "pipe:1")

	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)
	cmd.Stdin = bytes.NewReader(annexB)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("snapshot: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("snapshot: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("snapshot: start ffmpeg: %w", err)
	}

	var stderrBuf []byte
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		buf := make([]byte, 1024)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				stderrBuf = append(stderrBuf, buf[:n]...)
				if len(stderrBuf) > stderrBufSize {
					stderrBuf = stderrBuf[len(stderrBuf)-stderrBufSize:]
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	jpeg, readErr := io.ReadAll(stdout)
	<-stderrDone
	waitErr := cmd.Wait()

	if waitErr != nil {
		return nil, fmt.Errorf("snapshot: ffmpeg decode failed: %w (stderr: %s)", waitErr, string(stderrBuf))
	}
	if readErr != nil {
		return nil, fmt.Errorf("snapshot: reading ffmpeg stdout: %w", readErr)
	}
	if len(jpeg) == 0 {
		return nil, fmt.Errorf("snapshot: ffmpeg produced no output (stderr: %s)", string(stderrBuf))
	}
	return jpeg, nil
}
