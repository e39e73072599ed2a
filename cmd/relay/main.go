package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	cmnenv "chat_relay/server/common/env"
	commonlog "chat_relay/server/common/log"
	relayapp "chat_relay/server/relay/app"
)

func main() {
	cfg := relayapp.Config{
		Port:          cmnenv.String("RELAY_PORT", "8080"),
		DatabaseURL:   cmnenv.String("DATABASE_URL", "postgres://localhost:5432/chat_relay"),
		RedisAddr:     cmnenv.String("REDIS_ADDR", "localhost:6379"),
		JWTSecret:     cmnenv.String("JWT_SECRET", "change-me-in-production"),
		JWTTTLMinutes: cmnenv.Int("JWT_TTL_MINUTES", 1440),

		OfflineQueueCap:      cmnenv.Int("OFFLINE_QUEUE_CAP", 1000),
		OfflineDrainBatch:    cmnenv.Int("OFFLINE_DRAIN_BATCH", 50),
		OfflineRetentionDays: cmnenv.Int("OFFLINE_RETENTION_DAYS", 7),
		EchoToSender:         cmnenv.Bool("ECHO_TO_SENDER", false),

		AMQPURL: cmnenv.String("AMQP_URL", ""),

		MinIOEndpoint:  cmnenv.String("MINIO_ENDPOINT", ""),
		MinIOAccessKey: cmnenv.String("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: cmnenv.String("MINIO_SECRET_KEY", ""),
		MinIOBucket:    cmnenv.String("MINIO_BUCKET", "chat-attachments"),
		MinIOUseSSL:    cmnenv.Bool("MINIO_USE_SSL", false),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayServer, err := relayapp.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("initialize relay server: %v", err)
	}

	go func() {
		commonlog.Infof("start relay http server on :%s", cfg.Port)
		if err := relayServer.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run relay http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := relayServer.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown relay server gracefully: %v", err)
	}
}
