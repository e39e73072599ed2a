package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	commonauth "chat_relay/server/common/auth"
	"chat_relay/server/common/infra/cache"
	"chat_relay/server/common/infra/db"
	"chat_relay/server/common/infra/object"
	commonlog "chat_relay/server/common/log"
	relayapi "chat_relay/server/relay/api"
	"chat_relay/server/relay/repository"
	relayservice "chat_relay/server/relay/service"
)

type Config struct {
	Port          string
	DatabaseURL   string
	RedisAddr     string
	JWTSecret     string
	JWTTTLMinutes int

	OfflineQueueCap      int
	OfflineDrainBatch    int
	OfflineRetentionDays int
	EchoToSender         bool

	AMQPURL string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

type Server struct {
	HTTPServer *http.Server
	closers    []func()
}

// NewServer wires every component once and hands each worker the same
// cache, presence and queue instances; there is no global mutable state.
// Failure to warm the membership cache aborts startup: running with a
// partial index would silently misroute messages.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	redisClient, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	userRepo := repository.NewUserRepository(pool)
	chatRepo := repository.NewChatRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)

	bus := relayservice.NewBus()
	members := relayservice.NewMembershipCache()
	rows, err := chatRepo.LoadAllMemberships(ctx)
	if err != nil {
		redisClient.Close()
		pool.Close()
		return nil, fmt.Errorf("warm membership cache: %w", err)
	}
	members.Initialize(rows)
	bus.Subscribe(members.HandleEvent)

	srv := &Server{}
	srv.closers = append(srv.closers, pool.Close, func() { _ = redisClient.Close() })

	if cfg.AMQPURL != "" {
		mirror, err := relayservice.NewEventMirror(cfg.AMQPURL)
		if err != nil {
			srv.close()
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		bus.Subscribe(mirror.HandleEvent)
		srv.closers = append(srv.closers, mirror.Close)
	}

	presence := relayservice.NewPresenceSet()
	offline := relayservice.NewOfflineQueue(relayservice.NewRedisListStore(redisClient), relayservice.OfflineQueueConfig{
		Cap:       cfg.OfflineQueueCap,
		BatchSize: cfg.OfflineDrainBatch,
		Retention: time.Duration(cfg.OfflineRetentionDays) * 24 * time.Hour,
	})

	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	router := relayservice.NewRouter(auth, members, presence, offline, messageRepo, relayservice.RouterConfig{EchoToSender: cfg.EchoToSender})
	chatSvc := relayservice.NewChatService(chatRepo, userRepo, bus)

	var attachments *relayservice.AttachmentService
	if cfg.MinIOEndpoint != "" {
		minioClient, err := object.Connect(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
		if err != nil {
			srv.close()
			return nil, fmt.Errorf("connect object store: %w", err)
		}
		attachments = relayservice.NewAttachmentService(minioClient, cfg.MinIOBucket)
	} else {
		commonlog.Infof("object storage not configured, attachment endpoints disabled")
	}

	h := relayapi.NewHandler(userRepo, chatSvc, router, members, offline, attachments, auth)

	r := gin.Default()
	h.RegisterRoutes(r)

	srv.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.HTTPServer != nil {
		err = s.HTTPServer.Shutdown(ctx)
	}
	s.close()
	return err
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
