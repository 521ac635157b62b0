package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "folio/server/common/auth"
	"folio/server/common/infra/cache"
	"folio/server/common/infra/db"
	"folio/server/common/infra/mq"
	"folio/server/common/infra/object"
	commonlog "folio/server/common/log"
	"folio/server/common/middleware"
	fileapi "folio/server/files/api"
	filerepo "folio/server/files/repository"
	fileservice "folio/server/files/service"
	siteapi "folio/server/site/api"
	siterepo "folio/server/site/repository"
	siteservice "folio/server/site/service"
)

type Server struct {
	HTTPServer *http.Server
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Publisher  *mq.Publisher
	files      *fileapi.Handler
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts, err := cfg.RegistryOptions()
	if err != nil {
		return nil, err
	}
	profile, err := siteservice.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	s := &Server{}
	ok := false
	defer func() {
		if !ok {
			s.closeBackends()
		}
	}()

	s.Pool, err = db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}
	if err := db.EnsureSchema(ctx, s.Pool); err != nil {
		return nil, err
	}

	minioClient, err := object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		return nil, fmt.Errorf("initialize minio: %w", err)
	}
	if err := object.EnsureBucket(ctx, minioClient, cfg.MinioBucket); err != nil {
		return nil, fmt.Errorf("ensure minio bucket: %w", err)
	}
	objects := object.NewStore(minioClient, cfg.MinioBucket, cfg.MinioPublicURL)

	var gate fileservice.SubmitGate = cache.NewLocalGate()
	if cfg.RedisAddr != "" {
		s.Redis = cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, s.Redis); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		gate = cache.NewRedisGate(s.Redis, "folio:gate:")
	} else {
		commonlog.Warnf("event=server_init action=redis status=disabled detail=in_process_feeds_and_gates")
	}

	var events fileservice.EventPublisher = mq.Discard{}
	if cfg.UseMQ {
		s.MQConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		s.Publisher, err = mq.NewPublisher(s.MQConn, mq.EventsExchange)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		events = s.Publisher
	}

	authSvc := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes).WithOwnerToken(cfg.OwnerTokenHash, cfg.OwnerSubject)

	fileRepo := filerepo.NewFileRepository(s.Pool)
	feed := fileservice.NewFeed(fileRepo, s.Redis)
	uploadSvc := fileservice.NewUploadService(objects, fileRepo, feed, events, gate)
	detailSvc := fileservice.NewDetailService(objects, fileRepo, feed, events)
	contactSvc := siteservice.NewContactService(siterepo.NewContactRepository(s.Pool), events)

	r := gin.Default()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("set trusted proxies: %w", err)
	}
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.files = fileapi.NewHandler(authSvc, uploadSvc, detailSvc, feed, opts, cfg.MaxUploadBytes())
	s.files.RegisterRoutes(r)
	siteapi.NewHandler(profile, contactSvc).RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	s.HTTPServer.RegisterOnShutdown(s.files.CloseSessions)

	ok = true
	commonlog.Infof("event=server_init action=ready status=ok port=%s redis=%t mq=%t", cfg.Port, s.Redis != nil, s.MQConn != nil)
	return s, nil
}

// Shutdown stops accepting requests, disconnects live sessions and then
// closes the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.closeBackends()
	return err
}

func (s *Server) closeBackends() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
