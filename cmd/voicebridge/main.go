package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/cdr"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/metrics"
	"github.com/voicebridge/voicebridge/internal/pipeline"
	"github.com/voicebridge/voicebridge/internal/sip"
	"github.com/voicebridge/voicebridge/internal/voip"
)

const userAgent = "voicebridge"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicebridge",
		"sip_port", cfg.SIPPort,
		"http_port", cfg.HTTPPort,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
		"data_dir", cfg.DataDir,
	)

	// Open call record database and run migrations.
	db, err := cdr.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	records := cdr.NewRepository(db)

	// Voice pipeline client, if one is configured. Without it every call
	// gets the greeting file instead.
	var pl pipeline.Pipeline
	if cfg.PipelineURL != "" {
		pl = pipeline.NewRemotePipeline(cfg.PipelineURL, cfg.PipelineToken, logger)
		slog.Info("voice pipeline configured", "url", cfg.PipelineURL)
	} else {
		slog.Info("no voice pipeline configured, playing greeting", "file", cfg.GreetingFile)
	}

	// An explicit external IP or a STUN server means this host sits behind
	// NAT and the SDP must advertise the public address instead of the one
	// callers put in the To header.
	advertiseIP := ""
	if cfg.ExternalIP != "" || cfg.STUNServer != "" {
		advertiseIP = cfg.MediaIP()
		slog.Info("advertising external media address", "ip", advertiseIP)
	}

	recordingDir := ""
	if cfg.RecordCalls {
		recordingDir = cfg.RecordingDir()
	}

	manager, err := voip.NewCallManager(voip.ManagerConfig{
		PortMin:         cfg.RTPPortMin,
		PortMax:         cfg.RTPPortMax,
		OpusPayloadType: uint8(cfg.OpusPayloadType),
		GreetingPath:    cfg.GreetingFile,
		SilenceBefore:   cfg.SilenceBefore,
		MaxCallDuration: cfg.MaxCallDuration,
		Language:        cfg.Language,
		RecordingDir:    recordingDir,
	}, pl, records, logger)
	if err != nil {
		slog.Error("failed to create call manager", "error", err)
		os.Exit(1)
	}

	sipSrv := sip.NewServer(sip.ServerConfig{
		ListenAddr:      fmt.Sprintf("0.0.0.0:%d", cfg.SIPPort),
		UserAgent:       userAgent,
		OpusPayloadType: cfg.OpusPayloadType,
		AdvertiseIP:     advertiseIP,
		RateLimit:       sip.DefaultRateLimitConfig(),
	}, manager, logger)
	manager.SetAnswerer(sipSrv)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Prometheus registry with the call metrics collector.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(manager, records, manager, time.Now()),
	)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	// HTTP API is optional; it needs an access token to be useful.
	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.AccessToken != "" {
		jwtSecret, err := cfg.JWTSecretBytes()
		if err != nil {
			slog.Error("failed to load jwt secret", "error", err)
			os.Exit(1)
		}

		handler, err := api.NewServer(api.Config{
			AccessToken: cfg.AccessToken,
			JWTSecret:   jwtSecret,
		}, manager, records, pl, metricsHandler, logger)
		if err != nil {
			slog.Error("failed to create api server", "error", err)
			os.Exit(1)
		}
		defer handler.Close()

		srv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	} else {
		slog.Warn("no access-token configured, http api disabled")
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	slog.Info("shutting down")
	sipSrv.Stop()
	manager.Stop()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("voicebridge stopped")
}
