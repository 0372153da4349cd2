// Command collabd is the collaboration backplane's entrypoint: it wires the
// Session Gate, Room Manager, Presence/Cursor trackers, Annotation
// Broadcaster, Notification Dispatcher, Durable Message Queue, and Cluster
// Adapter into one HTTP/WebSocket server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/annotatehub/collab-server/internal/v1/annotation"
	"github.com/annotatehub/collab-server/internal/v1/auth"
	"github.com/annotatehub/collab-server/internal/v1/cluster"
	"github.com/annotatehub/collab-server/internal/v1/conflict"
	"github.com/annotatehub/collab-server/internal/v1/config"
	"github.com/annotatehub/collab-server/internal/v1/cursor"
	"github.com/annotatehub/collab-server/internal/v1/gateway"
	"github.com/annotatehub/collab-server/internal/v1/health"
	"github.com/annotatehub/collab-server/internal/v1/logging"
	"github.com/annotatehub/collab-server/internal/v1/middleware"
	"github.com/annotatehub/collab-server/internal/v1/notify"
	"github.com/annotatehub/collab-server/internal/v1/presence"
	"github.com/annotatehub/collab-server/internal/v1/queue"
	"github.com/annotatehub/collab-server/internal/v1/ratelimit"
	"github.com/annotatehub/collab-server/internal/v1/restclient"
	"github.com/annotatehub/collab-server/internal/v1/room"
	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// validatorAdapter narrows auth's richer *CustomClaims-returning validator
// down to the subject string the Session Gate actually needs.
type validatorAdapter struct {
	inner auth.TokenValidator
}

func (a validatorAdapter) ValidateToken(tokenString string) (string, error) {
	claims, err := a.inner.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// Logging isn't initialized yet; this is the one place stderr is used directly.
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	var tokenValidator auth.TokenValidator
	if cfg.DevelopmentMode {
		logger.Warn("running with mock auth validator, do not use in production")
		tokenValidator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(cfg.JWTSecret)
		if err != nil {
			logger.Fatal("failed to build token validator", zap.Error(err))
		}
		tokenValidator = v
	}

	clusterAd, redisClient := buildClusterAdapter(cfg, logger)
	if clusterAd != nil {
		defer clusterAd.Close()
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logger.Fatal("failed to build rate limiter", zap.Error(err))
	}

	q, err := queue.New(queue.Options{
		Capacity:    cfg.MaxQueueSize,
		MaxAttempts: cfg.MaxRetryAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		TTL:         time.Duration(cfg.MessageTTLMs) * time.Millisecond,
		Persist:     cfg.PersistQueues,
		Dir:         cfg.PersistDir,
	})
	if err != nil {
		logger.Fatal("failed to build durable queue", zap.Error(err))
	}
	defer q.Close()

	roomHub := room.NewHub(cfg.RoomSalt, 0, 0, clusterAd)
	defer roomHub.Close()

	presenceTracker := presence.New(func(rec wire.PresenceRecord) {})
	cursorTracker := cursor.New()
	annots := annotation.New(roomHub, clusterAd, q, conflict.LastWriteWins{})

	rest := restclient.New(cfg.RestAPIURL)

	// notify.New needs the gateway Hub's OnlineSessions method, and the
	// gateway Hub needs a constructed Dispatcher; close the cycle with a
	// forward-referencing closure assigned after NewHub returns.
	var gwHub *gateway.Hub
	dispatcher := notify.New(roomHub, q, func(userID wire.UserIDType) []notify.Deliverer {
		if gwHub == nil {
			return nil
		}
		return gwHub.OnlineSessions(userID)
	})

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", strings.Split(cfg.FrontendOrigin, ","))

	gwHub = gateway.NewHub(gateway.Deps{
		Validator:      validatorAdapter{inner: tokenValidator},
		Users:          rest,
		Access:         rest,
		Limiter:        limiter,
		RoomSalt:       cfg.RoomSalt,
		AllowedOrigins: allowedOrigins,
		Rooms:          roomHub,
		Presence:       presenceTracker,
		Cursors:        cursorTracker,
		Annotations:    annots,
		Notifier:       dispatcher,
		Queues:         q,
	})

	router := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	router.Use(cors.New(corsCfg))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	router.GET("/ws/collab", gwHub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(clusterAd, rest)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	router.GET("/admin/stats", func(c *gin.Context) {
		rooms := roomHub.List()
		c.JSON(http.StatusOK, gin.H{
			"roomCount":  len(rooms),
			"queueDepth": q.Depth(),
		})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("collab server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}

	logger.Info("server exiting")
}

// buildClusterAdapter dispatches on CLUSTER_URL's scheme: nats:// selects the
// JetStream binding, anything else selects the Redis binding. Returns a nil Adapter and nil *redis.Client in
// single-instance mode (CLUSTER_URL unset or unreachable is still a fatal
// misconfiguration for the Redis path, since rate limiting and room fanout
// both depend on it being reachable at startup).
func buildClusterAdapter(cfg *config.Config, logger *zap.Logger) (cluster.Adapter, *redis.Client) {
	if cfg.ClusterURL == "" {
		logger.Warn("CLUSTER_URL not set, running single-instance with no cluster fanout")
		return nil, nil
	}

	if strings.HasPrefix(cfg.ClusterURL, "nats://") || strings.HasPrefix(cfg.ClusterURL, "nats+tls://") {
		svc, err := cluster.NewNatsService(cfg.ClusterURL)
		if err != nil {
			logger.Fatal("failed to connect to nats cluster store", zap.Error(err))
		}
		return svc, nil
	}

	addr := strings.TrimPrefix(strings.TrimPrefix(cfg.ClusterURL, "redis://"), "rediss://")
	password := ""
	if at := strings.Index(addr, "@"); at >= 0 {
		userinfo := addr[:at]
		addr = addr[at+1:]
		if colon := strings.Index(userinfo, ":"); colon >= 0 {
			password = userinfo[colon+1:]
		}
	}
	svc, err := cluster.NewService(addr, password)
	if err != nil {
		logger.Fatal("failed to connect to redis cluster store", zap.Error(err))
	}
	return svc, svc.Client()
}
