// Command camproxy is the camera proxy's entry point. It wires together the
// packet router, HLS engine, snapshot decoder, and HTTP server, then serves
// every configured bind address until a signal requests shutdown.
//
// Ingest is out of this module's scope (spec.md §1 non-goals: FFmpeg demux,
// MJPEG HTTP client, hardware-encoder probe). This binary constructs an
// ingest.Feed wrapping the router and leaves it for an out-of-process driver
// to call; see SPEC_FULL.md §4 C9 and DESIGN.md for the architecture
// decision this collapses from the teacher's multi-stream registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nozzlecam/camproxy/internal/hls"
	"github.com/nozzlecam/camproxy/internal/httpserver"
	"github.com/nozzlecam/camproxy/internal/ingest"
	"github.com/nozzlecam/camproxy/internal/router"
	"github.com/nozzlecam/camproxy/internal/snapshot"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := loadConfig()

	log.Info("camproxy starting",
		"version", version,
		"mode", cfg.mode,
		"addrs", cfg.addrs,
		"windowSeconds", cfg.hls.WindowSeconds,
		"segmentTargetMs", cfg.hls.SegmentTargetMs,
		"partTargetMs", cfg.hls.PartTargetMs,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	engine := hls.NewEngine(cfg.hls, log)
	r := router.New(engine, log)
	feed := ingest.New(r, log)
	_ = feed // exposed for an out-of-process driver; see package doc above.

	decoder := snapshot.New(cfg.ffmpegPath, log)

	httpMode := httpserver.H264Mode
	if cfg.mode == ingest.FormatMJPEG {
		httpMode = httpserver.MJPEGMode
	}

	srv := httpserver.New(httpserver.Config{
		Router:      r,
		HLS:         engine,
		Snapshot:    decoder,
		Mode:        httpMode,
		MaxFPS:      cfg.maxFPS,
		IdleFPS:     cfg.idleFPS,
		JPEGQuality: cfg.jpegQuality,
		Log:         log,
	})
	handler := srv.Handler()

	g, ctx := errgroup.WithContext(ctx)

	// One accept goroutine per bind address, grounded on
	// ingest/srt/server.go's accept pattern and cmd/prism/main.go's
	// errgroup-plus-signal lifecycle.
	servers := make([]*http.Server, len(cfg.addrs))
	for i, addr := range cfg.addrs {
		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers[i] = httpSrv

		g.Go(func() error {
			log.Info("HTTP server listening", "addr", addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		for _, httpSrv := range servers {
			_ = httpSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

type config struct {
	addrs       []string
	mode        ingest.Format
	ffmpegPath  string
	maxFPS      float64
	idleFPS     float64
	jpegQuality int
	hls         hls.Config
}

// loadConfig assembles the process Config from environment variables, per
// SPEC_FULL.md §2's ambient-stack note: the teacher parses no config file
// and uses no flags library, so neither does this binary.
func loadConfig() config {
	// Built from scratch rather than off hls.DefaultConfig(): that helper
	// already derives PartsPerSegment/MaxSegments from the spec defaults,
	// and Config.normalize only fills those fields in when they're still
	// zero, so overriding WindowSeconds/SegmentTargetMs/PartTargetMs after
	// calling DefaultConfig would leave the derived fields stale.
	hlsCfg := hls.Config{
		WindowSeconds:          envOrFloat("HLS_WINDOW_SECONDS", 10),
		SegmentTargetMs:        envOrFloat("HLS_SEGMENT_TARGET_MS", 800),
		PartTargetMs:           envOrFloat("HLS_PART_TARGET_MS", 200),
		StrictPTSDurationMatch: envOr("HLS_STRICT_PTS_DURATION", "") != "",
	}

	mode := ingest.FormatH264
	if strings.EqualFold(envOr("VIDEO_SOURCE_MODE", "h264"), "mjpeg") {
		mode = ingest.FormatMJPEG
	}

	return config{
		addrs:       splitAddrs(envOr("HTTP_ADDRS", ":8080")),
		mode:        mode,
		ffmpegPath:  envOr("FFMPEG_PATH", "ffmpeg"),
		maxFPS:      envOrFloat("MAX_FPS", 25),
		idleFPS:     envOrFloat("IDLE_FPS", 1),
		jpegQuality: int(envOrFloat("JPEG_QUALITY", 80)),
		hls:         hlsCfg,
	}
}

func splitAddrs(v string) []string {
	parts := strings.Split(v, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			addrs = append(addrs, p)
		}
	}
	if len(addrs) == 0 {
		addrs = []string{":8080"}
	}
	return addrs
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
