package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	authmw "github.com/mind-engage/mindengage-proctor/internal/auth/middleware"
	"github.com/mind-engage/mindengage-proctor/internal/exam"
	"github.com/mind-engage/mindengage-proctor/internal/metrics"
	"github.com/mind-engage/mindengage-proctor/internal/proctor"
	"github.com/mind-engage/mindengage-proctor/internal/rbac"
	"github.com/mind-engage/mindengage-proctor/internal/tracing"
)

type RouterConfig struct {
	Exams   *exam.Service
	Proctor *proctor.Handler
	Live    proctor.LivePublisher
	Auth    *authmw.AuthService
	Log     *zap.Logger

	// Login is mounted at /auth/login when set.
	Login       http.Handler
	CORSOrigins []string
	// Ready backs /readyz, typically a DB ping.
	Ready func(ctx context.Context) error
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(cfg.Log), middleware.Recoverer)
	r.Use(metrics.Middleware, tracing.Middleware)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Login != nil {
		r.With(rateLimit(10, time.Minute)).Method(http.MethodPost, "/auth/login", cfg.Login)
	}

	svc := cfg.Exams
	r.Group(func(pr chi.Router) {
		pr.Use(authmw.JWTMiddleware(cfg.Auth))

		pr.Route("/exams", func(er chi.Router) {
			er.With(rbac.Require(rbac.PermExamCreate)).Post("/", CreateExamHandler(svc))
			er.With(rbac.Require(rbac.PermExamView)).Get("/", ListExamsHandler(svc))
			er.With(rbac.Require(rbac.PermExamView)).Get("/{examID}", GetExamHandler(svc))
			er.With(rbac.Require(rbac.PermExamAssign)).Post("/{examID}/assignments", AssignExamHandler(svc))
			er.With(rbac.Require(rbac.PermExamMonitor)).Get("/{examID}/monitor", MonitorHandler(svc, cfg.Live))
			er.With(rbac.Require(rbac.PermAttemptStart)).Post("/{examID}/start", StartAttemptHandler(svc))
		})

		pr.Route("/assignments", func(ar chi.Router) {
			viewer := rbac.RequireAny(rbac.PermAttemptViewOwn, rbac.PermAttemptViewAll)
			ar.With(viewer).Get("/", ListAssignmentsHandler(svc))
			ar.With(rbac.Require(rbac.PermExamAssign)).Delete("/{assignmentID}", UnassignHandler(svc))
			ar.With(viewer).Get("/{assignmentID}/session", SessionHandler(svc))
			ar.With(rbac.Require(rbac.PermAttemptSave)).Put("/{assignmentID}/answers/{questionID}", SaveAnswerHandler(svc))
			ar.With(rbac.Require(rbac.PermAttemptSubmit)).Post("/{assignmentID}/submit", SubmitHandler(svc))
			ar.With(rbac.Require(rbac.PermAttemptReport)).Post("/{assignmentID}/violations", ReportViolationHandler(svc, cfg.Proctor))
			ar.With(rbac.Require(rbac.PermAttemptGrade)).Post("/{assignmentID}/grades/{questionID}", GradeAnswerHandler(svc))
			ar.With(viewer).Get("/{assignmentID}/results", ResultsHandler(svc))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				loggerFrom(r.Context()).Warn("not ready", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}
