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

	"github.com/echoscribe/echoscribe/internal/auth"
	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/gateway"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/storage/pg"
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

	ctx := context.Background()
	kvc, err := kv.New(ctx, config.AppConfig.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	hub := gateway.NewHub(kvc, gateway.NewCollectorAuthorizer(), log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	gateway.RegisterRoutes(router, hub, auth.NewAPIKeyMiddleware(db.Store))

	srv := &http.Server{
		Addr:    ":" + config.AppConfig.Port,
		Handler: router,
	}

	go func() {
		log.Info("gateway listening", "port", config.AppConfig.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}
