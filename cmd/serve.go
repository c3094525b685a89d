package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/facereg/internal/auth"
	"github.com/example/facereg/internal/blobstore"
	"github.com/example/facereg/internal/config"
	"github.com/example/facereg/internal/embedding"
	"github.com/example/facereg/internal/grpcclient"
	"github.com/example/facereg/internal/handlers"
	"github.com/example/facereg/internal/logging"
	"github.com/example/facereg/internal/quality"
	"github.com/example/facereg/internal/repository"
	"github.com/example/facereg/internal/session"
	"github.com/example/facereg/internal/wizard"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registration web server",
	Long: `Start the face registration kiosk.
The server renders the registration form, drives the pose capture wizard and
writes finished registrations to the student directory and blob store.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (overrides HTTP_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr := mustGetString(cmd, "addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := initDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	repo := repository.NewStudentRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}

	sessions, err := initSessionStore(ctx, cfg.Session, logger)
	if err != nil {
		return err
	}

	embedder, closeEmbedder, err := initEmbedder(ctx, cfg.Embedding, logger)
	if err != nil {
		return err
	}
	defer closeEmbedder() //nolint:errcheck

	blobs, err := initBlobStore(cfg.Blob, logger)
	if err != nil {
		return err
	}

	reg := cfg.Registration
	gate := quality.NewGate(quality.Thresholds{
		MinBrightness: reg.Quality.MinBrightness,
		MinSharpness:  reg.Quality.MinSharpness,
	})
	wiz := wizard.New(repo, sessions, embedder, blobs, gate, wizard.Options{
		Poses:                reg.Poses,
		Departments:          reg.Departments,
		RejectDuplicatePoses: reg.Duplicates.Reject,
		DuplicateMaxDistance: reg.Duplicates.MaxDistance,
		MaxFramePixels:       reg.Quality.MaxPixels,
	}, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set, the registration API is open to anyone on the network")
	}
	handlers.RegisterRoutes(r, wiz, authMiddleware, logger)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: newCORS(cfg.HTTP.CORSAllowedOrigins).Handler(r),
	}

	logger.Info("face registration listening", zap.String("addr", cfg.HTTP.Addr))
	return serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger)
}

func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	zapLogger.Info("database connected")
	return db, nil
}

func initSessionStore(ctx context.Context, cfg config.SessionConfig, zapLogger *zap.Logger) (session.Store, error) {
	switch cfg.Backend {
	case "memory":
		zapLogger.Info("using in-process session store")
		return session.NewMemoryStore(cfg.TTL), nil
	case "redis", "":
		redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(redisCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return session.NewRedisStore(session.NewRedisKV(client), cfg.TTL, zapLogger), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Backend)
	}
}

func initEmbedder(ctx context.Context, cfg config.EmbeddingConfig, zapLogger *zap.Logger) (embedding.Client, func() error, error) {
	switch cfg.Backend {
	case "grpc", "":
		client, conn, err := grpcclient.DialEmbeddingService(ctx, cfg.Addr, zapLogger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to embedding service: %w", err)
		}
		return client, conn.Close, nil
	case "insightface":
		client := embedding.NewInsightFaceClient(cfg.URL, &http.Client{Timeout: 30 * time.Second}, zapLogger)
		return client, func() error { return nil }, nil
	case "dlib":
		return newDlibEmbedder(cfg, zapLogger)
	default:
		return nil, nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}

func initBlobStore(cfg config.BlobConfig, zapLogger *zap.Logger) (blobstore.Store, error) {
	switch cfg.Backend {
	case "cloudinary", "":
		store, err := blobstore.NewCloudinaryStore(cfg.CloudinaryURL, zapLogger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "webdav":
		if cfg.WebDAVURL == "" {
			return nil, errors.New("WEBDAV_URL is required for the webdav blob backend")
		}
		return blobstore.NewWebDAVStore(cfg.WebDAVURL, cfg.WebDAVUser, cfg.WebDAVPassword, zapLogger), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the listener fails or a shutdown
// signal arrives. On a signal, in-flight requests get shutdownTimeout to
// finish. A nil listener means server.Addr; a nil signalCh means SIGINT/SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	addr := server.Addr
	if listener != nil {
		addr = listener.Addr().String()
	}
	log := logger.Named("http_server").With(zap.String("addr", addr))

	if signalCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signalCh = ch
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listenAndServe(server, listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("server stopped unexpectedly", zap.Error(err))
		}
		return err
	case sig, ok := <-signalCh:
		if !ok {
			return <-serveErr
		}
		return drainAndShutdown(server, shutdownTimeout, log.With(zap.Stringer("signal", sig)), serveErr)
	}
}

func listenAndServe(server *http.Server, listener net.Listener) error {
	var err error
	if listener != nil {
		err = server.Serve(listener)
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// drainAndShutdown stops accepting connections and waits for open requests,
// such as a finalize upload, until the timeout passes.
func drainAndShutdown(server *http.Server, timeout time.Duration, log *zap.Logger, serveErr <-chan error) error {
	log.Info("draining in-flight registrations", zap.Duration("shutdown_timeout", timeout))
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("shutdown timed out, remaining connections dropped",
			zap.Duration("drain_time", time.Since(start)), zap.Error(err))
		return err
	}

	err := <-serveErr
	log.Info("shutdown complete", zap.Duration("drain_time", time.Since(start)))
	return err
}
