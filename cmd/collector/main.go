package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/echoscribe/echoscribe/internal/auth"
	"github.com/echoscribe/echoscribe/internal/collector"
	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/storage/pg"
	"github.com/echoscribe/echoscribe/internal/token"
)

func main() {
	config.LoadConfig()

	log := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	gin.SetMode(config.AppConfig.GinMode)

	db, err := pg.InitDatabase(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kvc, err := kv.New(ctx, config.AppConfig.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	verifier := token.NewMinter(config.AppConfig.MeetingTokenSecret, config.AppConfig.MeetingTokenTTL)
	processor := collector.NewProcessor(db.Store, kvc, verifier, log)
	filter := collector.NewFilter(config.AppConfig.FilterMinCharacters, config.AppConfig.FilterMinRealWords)
	flusher := collector.NewFlusher(db.Store, kvc, filter, log)
	service := collector.NewService(db.Store, kvc, log)

	staleAge := time.Duration(config.AppConfig.PendingMsgTimeoutMS) * time.Millisecond
	transcriptionConsumer := kv.NewConsumer(kvc, kv.ConsumerOptions{
		Stream:   kv.TranscriptionStream,
		Group:    kv.TranscriptionGroup,
		Handler:  processor.HandleTranscription,
		StaleAge: staleAge,
	}, log)
	speakerConsumer := kv.NewConsumer(kvc, kv.ConsumerOptions{
		Stream:   kv.SpeakerEventsStream,
		Group:    kv.SpeakerEventsGroup,
		Handler:  processor.HandleSpeakerEvent,
		StaleAge: staleAge,
	}, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	collector.RegisterRoutes(router, service, auth.NewAPIKeyMiddleware(db.Store))

	srv := &http.Server{
		Addr:    ":" + config.AppConfig.Port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transcriptionConsumer.Run(gctx) })
	g.Go(func() error { return speakerConsumer.Run(gctx) })
	g.Go(func() error { return flusher.Run(gctx) })
	g.Go(func() error {
		log.Info("collector listening", "port", config.AppConfig.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("collector exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("collector exited")
}
