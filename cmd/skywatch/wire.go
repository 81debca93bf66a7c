package main

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"skywatch/internal/alert"
	"skywatch/internal/camera"
	"skywatch/internal/capture"
	"skywatch/internal/config"
	"skywatch/internal/detection"
	"skywatch/internal/metrics"
	"skywatch/internal/pipeline"
	"skywatch/internal/pipeline/strategies"
	"skywatch/internal/session"
	"skywatch/internal/stream"
	"skywatch/internal/telegram"
	"skywatch/internal/worker"
	"skywatch/internal/ws"
)

// app holds every long lived component of a running server.
type app struct {
	metrics   *metrics.Metrics
	registry  *camera.Registry
	sessions  *session.Controller
	bus       *pipeline.EventBus
	hub       *ws.DetectionHub
	handlers  *stream.Handlers
	detectors *worker.Pool
	alerts    *worker.Pool

	closers []func() error
}

func newOpener(cfg config.CaptureConfig, logger *zap.Logger) (capture.Opener, error) {
	if cfg.Backend == "gocv" {
		return capture.NewGocvOpener(cfg.Width, cfg.Height, logger)
	}
	return &capture.FFmpegOpener{
		Path:      cfg.FFmpegPath,
		Width:     cfg.Width,
		Height:    cfg.Height,
		FPS:       cfg.FPS,
		InputArgs: cfg.InputArgs,
		Logger:    logger,
	}, nil
}

func newDetector(cfg config.DetectionConfig, logger *zap.Logger) (pipeline.Detector, error) {
	if cfg.Backend == "grpc" {
		return detection.NewGRPCDetector(detection.GRPCConfig{
			Endpoint: cfg.Endpoint,
			MaxWidth: cfg.MaxWidth,
		}, logger)
	}
	return detection.NewHTTPDetector(detection.HTTPConfig{
		Endpoint:   cfg.Endpoint,
		APIKey:     cfg.APIKey,
		Confidence: cfg.Confidence,
		Overlap:    cfg.Overlap,
		MaxWidth:   cfg.MaxWidth,
	}, logger), nil
}

// newApp builds and connects the components described by cfg.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		metrics:  metrics.New(),
		sessions: session.NewController(logger),
		bus:      pipeline.NewEventBus(),
		hub:      ws.NewDetectionHub(logger),
	}

	opener, err := newOpener(cfg.Capture, logger)
	if err != nil {
		return nil, err
	}
	a.registry = camera.NewRegistry(opener, camera.Options{
		ReadTimeout:      cfg.Capture.ReadTimeout,
		ReconnectBackoff: cfg.Capture.ReconnectBackoff,
		StaleAfter:       cfg.Capture.StaleAfter,
		StopTimeout:      cfg.Capture.StopTimeout,
		Logger:           logger,
		Metrics:          a.metrics,
	})
	a.metrics.WatchFPS(a.registry)
	a.closers = append(a.closers, a.registry.Close)

	var (
		throttle *pipeline.Throttle
		health   pipeline.HealthChecker
	)
	mode := pipeline.DetectionMode(cfg.Detection.Mode)
	if mode != pipeline.DetectionModeDisabled {
		strategy, err := strategies.Create(mode, cfg.Detection.Interval)
		if err != nil {
			return nil, err
		}
		detector, err := newDetector(cfg.Detection, logger)
		if err != nil {
			return nil, err
		}
		if hc, ok := detector.(pipeline.HealthChecker); ok {
			health = hc
		}
		if c, ok := detector.(interface{ Close() error }); ok {
			a.closers = append(a.closers, c.Close)
		}

		a.detectors = worker.NewPool("detect", cfg.Detection.MaxInFlight, logger)
		throttle = pipeline.NewThrottle(detector, strategy, pipeline.ThrottleOptions{
			Timeout: cfg.Detection.Timeout,
			Logger:  logger,
			Metrics: a.metrics,
			Bus:     a.bus,
			Pool:    a.detectors,
		})
		logger.Info("detection enabled",
			zap.String("mode", strategy.Name()),
			zap.String("backend", detector.Name()),
			zap.Duration("interval", cfg.Detection.Interval))
	}

	a.bus.Subscribe(a.hub)
	if cfg.Alert.Enabled {
		a.alerts = worker.NewPool("alert", cfg.Alert.MaxInFlight, logger)
		var notifiers []alert.Notifier
		if tg := cfg.Alert.Telegram; tg.Enabled {
			bot, err := telegram.NewBot(telegram.Config{
				BotToken: tg.BotToken,
				ChatID:   tg.ChatID,
				APIURL:   tg.APIURL,
				Timeout:  tg.Timeout,
			}, logger)
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, bot)
		}
		a.bus.Subscribe(alert.New(alert.Options{
			WebhookURL:    cfg.Alert.WebhookURL,
			Timeout:       cfg.Alert.Timeout,
			Cooldown:      cfg.Alert.Cooldown,
			Classes:       cfg.Alert.Classes,
			DetectedClass: cfg.Alert.DetectedClass,
			CaptureDir:    cfg.Alert.CaptureDir,
			Notifiers:     notifiers,
			Logger:        logger,
			Metrics:       a.metrics,
			Pool:          a.alerts,
		}))
	}

	streamer, err := stream.NewStreamer(a.registry, a.sessions, throttle, stream.Options{
		SignalLostDelay: cfg.Stream.SignalLostDelay,
		PollInterval:    cfg.Stream.PollInterval,
		Warmup:          cfg.Stream.Warmup,
		JPEGQuality:     cfg.Stream.JPEGQuality,
		OverlayClasses:  cfg.Stream.OverlayClasses,
		Logger:          logger,
		Metrics:         a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.handlers = stream.NewHandlers(streamer, health)
	return a, nil
}

// close drains the worker pools and releases every source and connection.
func (a *app) close(ctx context.Context) error {
	var err error
	for _, p := range []*worker.Pool{a.detectors, a.alerts} {
		if p != nil {
			err = multierr.Append(err, p.Close(ctx))
		}
	}
	a.hub.Close()
	a.bus.Close()
	for _, c := range a.closers {
		err = multierr.Append(err, c())
	}
	return err
}
