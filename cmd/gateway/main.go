package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "github.com/mind-engage/mindengage-proctor/internal/api/http"
	auth "github.com/mind-engage/mindengage-proctor/internal/auth/middleware"
	"github.com/mind-engage/mindengage-proctor/internal/config"
	"github.com/mind-engage/mindengage-proctor/internal/db"
	"github.com/mind-engage/mindengage-proctor/internal/exam"
	"github.com/mind-engage/mindengage-proctor/internal/logger"
	"github.com/mind-engage/mindengage-proctor/internal/proctor"
	syncx "github.com/mind-engage/mindengage-proctor/internal/sync"
	"github.com/mind-engage/mindengage-proctor/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer("mindengage-proctor", cfg.TracingCollectorEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(sctx)
		}()
	}

	// --- DB ---
	octx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	dbh, err := db.Open(octx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return err
	}
	defer dbh.Close()

	events := syncx.NewEventRepo(dbh)
	svc := exam.NewService(exam.NewSQLStore(dbh, cfg.DBDriver),
		exam.WithRecorder(events),
		exam.WithLogger(lg.Named("exam")),
		exam.WithSubmitGrace(cfg.SubmitGrace),
	)

	// --- live violation feed ---
	var live proctor.LivePublisher = proctor.NewMemoryPublisher()
	if cfg.RedisAddr != "" {
		rdb, err := proctor.InitRedis(octx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		live = proctor.NewRedisPublisher(rdb)
		lg.Info("redis connection established", zap.String("addr", cfg.RedisAddr))
	}
	handler := proctor.NewHandler(svc, live, events, lg.Named("proctor"))

	// --- Auth (local JWT for offline/dev) ---
	authSvc := auth.NewAuthService(cfg.AuthHMACSecret, cfg.TokenTTL)
	var login http.Handler
	if cfg.EnableLocalAuth {
		login = auth.LoginHandler(authSvc, auth.LoginConfig{AdminUser: cfg.AdminUser, AdminPassHash: cfg.AdminPassHash})
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.RouterConfig{
			Exams:       svc,
			Proctor:     handler,
			Live:        live,
			Auth:        authSvc,
			Log:         lg.Named("http"),
			Login:       login,
			CORSOrigins: cfg.CORSOrigins(),
			Ready:       dbh.PingContext,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("mode", string(cfg.Mode)), zap.String("db", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return proctor.NewAutoSubmitter(svc, cfg.AutoSubmitInterval, lg.Named("autosubmit")).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
