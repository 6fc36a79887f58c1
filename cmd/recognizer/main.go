package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/recognizer"
	"github.com/echoscribe/echoscribe/internal/token"
)

func main() {
	config.LoadConfig()

	log := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	gin.SetMode(config.AppConfig.GinMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kvc, err := kv.New(ctx, config.AppConfig.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	filter, err := recognizer.LoadHallucinationFilter(config.AppConfig.HallucinationFiles)
	if err != nil {
		log.Error("failed to load hallucination filter", "error", err)
		os.Exit(1)
	}
	log.Info("hallucination filter loaded", "phrases", filter.Size())

	engine := recognizer.NewWhisperEngine(config.AppConfig.WhisperServerURL, config.AppConfig.WhisperModel)
	verifier := token.NewMinter(config.AppConfig.MeetingTokenSecret, config.AppConfig.MeetingTokenTTL)
	manager := recognizer.NewClientManager(config.AppConfig.MaxClients, log)
	pulse := recognizer.NewPulse()
	server := recognizer.NewServer(engine, kvc, manager, filter, pulse, verifier, log)

	// A nonzero exit tells the supervisor to restart the worker.
	var exitCode atomic.Int32
	forceRestart := func() {
		exitCode.Store(1)
		cancel()
	}

	monitor := recognizer.NewHealthMonitor(kvc, manager, config.AppConfig.MaxUnhealthyStreak,
		forceRestart, log)
	go monitor.Run(ctx, config.AppConfig.HealthMonitorInterval)
	go manager.RunJanitor(ctx, 30*time.Second)

	if config.AppConfig.CircuitBreakerEnabled {
		breaker := recognizer.NewBreaker(pulse,
			time.Duration(config.AppConfig.ServerWarmupSeconds)*time.Second,
			time.Duration(config.AppConfig.SpeakerActiveWindowS)*time.Second,
			time.Duration(config.AppConfig.SpeakerNoTxStallS)*time.Second,
			config.AppConfig.BreakerConsecutive,
			forceRestart, log)
		go breaker.Run(ctx, 10*time.Second)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	recognizer.RegisterRoutes(router, server, monitor, manager)

	srv := &http.Server{
		Addr:    ":" + config.AppConfig.Port,
		Handler: router,
	}

	go func() {
		log.Info("recognizer listening", "port", config.AppConfig.Port,
			"backend", engine.Name(), "max_clients", config.AppConfig.MaxClients)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutting down")
	case <-ctx.Done():
		log.Info("shutting down after internal failure")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
	os.Exit(int(exitCode.Load()))
}
