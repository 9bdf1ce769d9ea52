package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PartyFM/cache"
	"PartyFM/config"
	"PartyFM/core/auth"
	"PartyFM/core/party"
	"PartyFM/db"
	"PartyFM/logger"
	"PartyFM/repository"
	"PartyFM/storage"

	"github.com/gorilla/mux"
)

// Start 初始化依赖并启动 HTTP 服务
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
	auth.SetJWTSecret(cfg.JWTSecret)

	// .env 热加载：运行期调整日志级别
	stopWatch, err := config.Watch(".env")
	if err != nil {
		logger.Warn("config watcher unavailable", logger.ErrorField(err))
	} else {
		defer stopWatch()
	}

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if err := storage.InitMinio(cfg); err != nil {
		logger.Fatal("Failed to initialize MinIO", logger.ErrorField(err))
	}

	if err := db.ConnectDB(cfg); err != nil {
		logger.Fatal("Failed to connect to database", logger.ErrorField(err))
	}
	defer db.DB.Close()

	if err := db.InitDB(); err != nil {
		logger.Fatal("Failed to initialize database", logger.ErrorField(err))
	}

	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Fatal("Failed to connect gorm", logger.ErrorField(err))
	}
	defer db.CloseGormDB()

	if err := db.AutoMigrateAll(); err != nil {
		logger.Fatal("Failed to migrate schema", logger.ErrorField(err))
	}

	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Fatal("Failed to connect to Redis", logger.ErrorField(err))
	}
	defer cache.CloseRedis()
	logger.Info("Successfully connected to Redis")

	// 仓储与缓存
	userRepo := repository.NewMySQLUserRepository(db.DB)
	eventRepo := repository.NewGormEventRepository(db.GormDB)
	participantRepo := repository.NewGormParticipantRepository(db.GormDB)
	delegationRepo := repository.NewGormDelegationRepository(db.GormDB)
	queueRepo := repository.NewGormQueueRepository(db.GormDB)
	voteRepo := repository.NewGormVoteRepository(db.GormDB)
	sessionCache := cache.NewSessionCache()
	scoreCache := cache.NewScoreCache()

	// 业务核心
	hub := party.NewHub()
	manager := party.NewManager(party.ManagerDeps{
		Events:       eventRepo,
		Participants: participantRepo,
		Delegations:  delegationRepo,
		Queue:        queueRepo,
		Votes:        voteRepo,
		Users:        userRepo,
		SessionCache: sessionCache,
		ScoreCache:   scoreCache,
		Hub:          hub,
	})

	// 处理器
	authHandler := NewAuthHandler(userRepo)
	eventHandler := NewEventHandler(manager)
	trackHandler := NewTrackHandler(queueRepo)

	router := mux.NewRouter()

	// CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// 用户认证相关的API端点
	router.HandleFunc("/api/auth/login", authHandler.LoginHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/register", authHandler.RegisterHandler).Methods(http.MethodPost)

	RegisterEventRoutes(router, eventHandler, authHandler.AuthMiddleware)
	RegisterTrackRoutes(router, trackHandler, authHandler.AuthMiddleware)

	server.Handler = router

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", logger.ErrorField(err))
		}
	}()

	<-stop
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", logger.ErrorField(err))
	}

	logger.Info("Server stopped")
}
