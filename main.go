// Package main implements the playcore daemon: one playback session fed by a
// synthetic source, with its telemetry served over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/config"
	"github.com/savid/playcore/handlers"
	"github.com/savid/playcore/internal/clock"
	"github.com/savid/playcore/internal/engine"
	"github.com/savid/playcore/internal/metrics"
	"github.com/savid/playcore/internal/testchannels"
)

func main() {
	// Configure logrus
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	cfg, err := config.New()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to parse log level")
	}
	logrus.SetLevel(level)

	logger := logrus.StandardLogger()

	profile, ok := testchannels.GetProfile(cfg.Profile)
	if !ok {
		logger.WithField("profile", cfg.Profile).Fatal("Unknown profile")
	}
	if cfg.Source != "" {
		profile.MRL = cfg.Source
	}

	video, audio := cfg.Arenas()
	clk := clock.NewPlayback(logger)
	clk.Observe(metrics.ObserveSpeed)

	session, err := engine.NewSession(engine.Config{
		Video: video,
		Audio: audio,
		Flow:  cfg.Flow(),
	}, clk, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := session.Start(ctx, profile.MRL); err != nil {
		logger.WithError(err).Fatal("Failed to start stream")
	}

	generator, err := testchannels.NewGenerator(profile, session.Video(), session.Audio(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create source")
	}
	sampler := metrics.NewSampler(session, cfg.SampleInterval, logger)

	var wg sync.WaitGroup
	workers := map[string]func(context.Context) error{
		"source":     generator.Run,
		"video-sink": testchannels.NewSink(session.Video(), clk, false, logger).Run,
		"audio-sink": testchannels.NewSink(session.Audio(), clk, true, logger).Run,
	}
	for name, run := range workers {
		name, run := name, run
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				logger.WithError(err).WithField("worker", name).Error("Worker stopped")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sampler.Start(ctx)
	}()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handlers.NewRouter(session, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to gracefully shutdown")
		}
	}()

	logger.WithFields(logrus.Fields{
		"port":    cfg.Port,
		"session": session.ID(),
		"profile": profile.Name,
		"mrl":     profile.MRL,
	}).Info("Starting playcore")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("Failed to start server")
	}

	<-ctx.Done()
	session.Stop()
	wg.Wait()
	if err := session.Close(); err != nil {
		logger.WithError(err).Error("Failed to close session")
	}
	logger.Info("Server stopped")
}
