// Package api implements the Public API Adapter (C6): the four HTTP
// operations spec.md §6 names, plus the ambient health and metrics
// endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dropmint/internal/config"
	"github.com/mbd888/dropmint/internal/health"
	"github.com/mbd888/dropmint/internal/logging"
	"github.com/mbd888/dropmint/internal/metrics"
	"github.com/mbd888/dropmint/internal/ratelimit"
	"github.com/mbd888/dropmint/internal/reservation"
	"github.com/mbd888/dropmint/internal/security"
	"github.com/mbd888/dropmint/internal/store"
	"github.com/mbd888/dropmint/internal/validation"
)

// Runnable reports whether a background loop is currently active, for the
// health handler's checks map.
type Runnable interface{ Running() bool }

// Server wraps the HTTP server and its dependencies. Trimmed from the
// reference server's many subsystems to the four routes this spec names.
type Server struct {
	cfg     *config.Config
	engine  *reservation.Engine
	pinger  func(ctx context.Context) error // store liveness probe
	sweeper Runnable
	health  *health.Registry

	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
}

// New builds the API server and wires its middleware chain and routes.
func New(cfg *config.Config, engine *reservation.Engine, pinger func(ctx context.Context) error, sweeper Runnable, logger *slog.Logger) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		pinger:  pinger,
		sweeper: sweeper,
		logger:  logger,
	}

	s.health = health.NewRegistry()
	s.health.Register("store", func(ctx context.Context) health.Status {
		if err := s.pinger(ctx); err != nil {
			return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "store", Healthy: true}
	})
	if s.sweeper != nil {
		s.health.Register("sweeper", func(ctx context.Context) health.Status {
			if !s.sweeper.Running() {
				return health.Status{Name: "sweeper", Healthy: false, Detail: "not running"}
			}
			return health.Status{Name: "sweeper", Healthy: true}
		})
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(limiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/mint-progress", s.mintProgressHandler)
	s.router.POST("/create-payment-intent", s.createPaymentIntentHandler)
	s.router.GET("/check-payment-status/:sessionId", s.checkPaymentStatusHandler)
}

// Router exposes the underlying gin engine, for httptest-driven tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run starts the HTTP server and blocks until ctx is done, then shuts down
// gracefully within cfg.HTTPWriteTimeout.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
		IdleTimeout:  s.cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTPWriteTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// healthHandler reports store reachability and background-loop liveness via
// the subsystem health registry.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":     status,
		"subsystems": statuses,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// mintProgressHandler serves GET /mint-progress.
func (s *Server) mintProgressHandler(c *gin.Context) {
	progress, err := s.engine.Progress(c.Request.Context())
	if err != nil {
		s.logger.Error("mint-progress failed", "error", err)
		c.JSON(http.StatusOK, gin.H{"error": "Unable to load mint progress."})
		return
	}

	percentage := 0.0
	if progress.Total > 0 {
		percentage = float64(progress.Minted) / float64(progress.Total) * 100
	}

	metrics.ItemsAvailable.Set(float64(progress.Available))
	metrics.ItemsClaimed.Set(float64(progress.Minted))
	metrics.ItemsReserved.Set(float64(progress.Reserved))

	c.JSON(http.StatusOK, gin.H{
		"total":      progress.Total,
		"minted":     progress.Minted,
		"reserved":   progress.Reserved,
		"available":  progress.Available,
		"percentage": percentage,
	})
}

type createPaymentIntentRequest struct {
	Quantity int `json:"quantity"`
}

// createPaymentIntentHandler serves POST /create-payment-intent.
func (s *Server) createPaymentIntentHandler(c *gin.Context) {
	var req createPaymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"error": "Invalid request body."})
		return
	}

	if errs := validation.Validate(validation.ValidQuantity("quantity", req.Quantity)); len(errs) > 0 {
		c.JSON(http.StatusOK, gin.H{"error": errs.Error()})
		return
	}

	sess, err := s.engine.CreateIntent(c.Request.Context(), req.Quantity)
	if err != nil {
		metrics.ReservationsTotal.WithLabelValues(reservationOutcome(err)).Inc()
		c.JSON(http.StatusOK, gin.H{"error": reservationErrorMessage(err)})
		return
	}
	metrics.ReservationsTotal.WithLabelValues("success").Inc()

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"sessionId":      sess.SessionID,
		"amount":         sess.AmountDue,
		"paymentAddress": s.cfg.PaymentAddress,
	})
}

// checkPaymentStatusHandler serves GET /check-payment-status/:sessionId.
func (s *Server) checkPaymentStatusHandler(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !validation.IsValidSessionID(sessionID) {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Invalid session."})
		return
	}

	sess, err := s.engine.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Invalid session."})
			return
		}
		s.logger.Error("check-payment-status failed", "session_id", sessionID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Invalid session."})
		return
	}

	switch sess.Status {
	case store.StatusPending:
		// The sweeper runs on its own 60s cadence (§4.5); a session can sit
		// past SESSION_TIMEOUT in the store a little while before it
		// actually gets swept. check-payment-status reports "expired" as
		// soon as the timeout has elapsed rather than waiting for that.
		if time.Since(sess.CreatedAt) >= s.cfg.SessionTimeout {
			c.JSON(http.StatusOK, gin.H{"status": "expired", "message": "Session expired before payment was observed."})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "pending"})
	case store.StatusPaymentPending:
		c.JSON(http.StatusOK, gin.H{"status": "payment_pending", "message": "Payment seen, awaiting confirmation.", "txid": sess.Txid})
	case store.StatusComplete:
		items := make([]gin.H, 0, len(sess.AssignedRefs))
		for _, ref := range sess.AssignedRefs {
			items = append(items, gin.H{"cid": ref})
		}
		c.JSON(http.StatusOK, gin.H{"status": "complete", "items": items, "quantity": sess.Quantity})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Invalid session."})
	}
}

func reservationOutcome(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, store.ErrReservationRace):
		return "reservation_race"
	case errors.Is(err, store.ErrAmountCollision):
		return "amount_collision"
	default:
		return "error"
	}
}

func reservationErrorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientInventory):
		return "Insufficient inventory remaining."
	case errors.Is(err, store.ErrReservationRace):
		return "Reservation race, please retry."
	case errors.Is(err, store.ErrAmountCollision):
		return "Amount collision, please retry."
	default:
		return err.Error()
	}
}
