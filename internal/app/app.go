// Package app wires configuration into a running capture stack.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/analysis"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/audio"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/catalog"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/config"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/device"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/events"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/media/wav"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/resilience"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/screen"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/server"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/session"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/video"
)

// Event bus sizing.
const (
	eventHistory = 200
	eventBuffer  = 100

	shutdownTimeout = 30 * time.Second
)

// Options replaces parts of the default stack, mainly for tests.
type Options struct {
	AudioOpener device.Opener[[]float32]
	VideoOpener device.Opener[[]byte]
	AudioWriter pipeline.SegmentWriter[[]float32]
	VideoWriter pipeline.SegmentWriter[[]byte]
	Analyzer    pipeline.Analyzer
}

// App holds the wired components.
type App struct {
	Config   *config.Config
	Bus      *events.Bus
	Sessions *session.Controller
	Catalog  *catalog.Store // nil when disabled

	client *analysis.Client
}

// New builds the stack described by cfg.
func New(cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Bus: events.NewBus(eventHistory, eventBuffer)}

	analyzer := opts.Analyzer
	if analyzer == nil {
		client, err := analysis.Dial(cfg.AnalysisAddr, cfg.AnalysisTimeout())
		if err != nil {
			return nil, err
		}
		a.client = client
		analyzer = analysis.NewResilient(client,
			resilience.New("analysis", resilience.DefaultConfig()),
			resilience.DefaultRetryConfig())
	}

	var recorder session.Recorder
	if cfg.CatalogPath != "" {
		store, err := catalog.Open(cfg.CatalogPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Catalog = store
		recorder = store
	}

	audioOpen := opts.AudioOpener
	if audioOpen == nil {
		audioOpen = audio.Opener(audio.Config{
			SampleRate:      cfg.SampleRate,
			FramesPerBuffer: cfg.FramesPerBuffer,
			Excluded:        cfg.ExcludedAudioDevices,
		})
	}
	videoOpen := opts.VideoOpener
	if videoOpen == nil {
		videoOpen = VideoOpener(cfg)
	}
	var audioWriter pipeline.SegmentWriter[[]float32] = wav.NewWriter()
	if opts.AudioWriter != nil {
		audioWriter = opts.AudioWriter
	}
	var videoWriter pipeline.SegmentWriter[[]byte] = video.NewWriter()
	if opts.VideoWriter != nil {
		videoWriter = opts.VideoWriter
	}

	base := pipeline.Config{
		Root:            cfg.OutputDir,
		SegmentDuration: cfg.SegmentDuration(),
		DequeueWait:     cfg.DequeueWait(),
	}
	audioCfg, videoCfg := base, base
	audioCfg.Modality = pipeline.Audio
	videoCfg.Modality = pipeline.Video
	videoCfg.ReuseDistance = cfg.StaticFrameDistance

	audioCtl := pipeline.NewController(audioCfg, audioOpen, audioWriter, analyzer, pipeline.AudioSummarizer{}, a.Bus)
	videoCtl := pipeline.NewController(videoCfg, videoOpen, videoWriter, analyzer, pipeline.VideoSummarizer{}, a.Bus)

	a.Sessions = session.New(audioCtl, videoCtl, session.Options{
		Root:        cfg.OutputDir,
		LockPath:    cfg.LockFile,
		Recorder:    recorder,
		Emitter:     a.Bus,
		MaxDuration: cfg.MaxRecordDuration(),
	})
	return a, nil
}

// VideoOpener picks the camera or the screen according to cfg.
func VideoOpener(cfg *config.Config) device.Opener[[]byte] {
	if cfg.VideoSource == config.VideoScreen {
		return screen.Opener(cfg.ScreenCaptureRate)
	}
	return video.CameraOpener(cfg.CameraDevice, cfg.VideoFPS)
}

// Handler returns the HTTP/WebSocket API.
func (a *App) Handler() http.Handler {
	var cat server.Catalog
	if a.Catalog != nil {
		cat = a.Catalog
	}
	return server.New(a.Sessions, cat, a.Bus).Handler()
}

// Serve runs the API on cfg.HTTPAddr until ctx ends, then stops any active
// session so its last segments are flushed and analyzed.
func (a *App) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:        a.Config.HTTPAddr,
		Handler:     a.Handler(),
		ReadTimeout: 10 * time.Second,
		// Stop blocks until analysis drains, so writes are not bounded here.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("capture server starting", "http", a.Config.HTTPAddr, "analysis", a.Config.AnalysisAddr, "output", a.Config.OutputDir)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if _, active := a.Sessions.Active(); active {
		if _, err := a.Sessions.Stop(shutdownCtx); err != nil {
			slog.Error("session stop error", "error", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// Close releases the analysis connection and the catalog.
func (a *App) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.Catalog != nil {
		errs = append(errs, a.Catalog.Close())
	}
	return errors.Join(errs...)
}
