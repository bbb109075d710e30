// Package http provides the HTTP API for statekeeper.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/advisor"
	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
	"github.com/fyrsmithlabs/statekeeper/internal/logging"
	"github.com/fyrsmithlabs/statekeeper/internal/persistence"
	"github.com/fyrsmithlabs/statekeeper/internal/query"
)

// maxChangesLimit caps the entries returned by GET /api/v1/changes.
const maxChangesLimit = 1000

// StateStore is the document surface the API reads and writes.
type StateStore interface {
	Get(path string) (document.Value, bool)
	Set(path string, v document.Value) error
	Merge(path string, fields map[string]document.Value) error
	Delete(path string) (bool, error)
	Snapshot() document.Value
}

// Saver persists the document on demand.
type Saver interface {
	Save(ctx context.Context) (*persistence.SaveResult, error)
	Dirty() bool
	LastChange() time.Time
}

// ChangeSource answers change history queries.
type ChangeSource interface {
	Query(prefix string, since int64) []changelog.Entry
	QueryArchive(ctx context.Context, prefix string, since int64, limit int) ([]changelog.Entry, error)
	Entries(limit int) []changelog.Entry
	Len() int
}

// Advisor produces advisories.
type Advisor interface {
	Query(ctx context.Context, issueType, errorMessage, component string) (*advisor.Advisory, error)
}

// Questions routes free-text questions.
type Questions interface {
	Dispatch(ctx context.Context, question string) (*query.Answer, error)
}

// Deps are the services behind the API. All are required.
type Deps struct {
	State     StateStore
	Learning  learning.Service
	Advisor   Advisor
	Questions Questions
	Saver     Saver
	Changes   ChangeSource
}

func (d Deps) validate() error {
	switch {
	case d.State == nil:
		return errors.New("state store is required")
	case d.Learning == nil:
		return errors.New("learning service is required")
	case d.Advisor == nil:
		return errors.New("advisor is required")
	case d.Questions == nil:
		return errors.New("query dispatcher is required")
	case d.Saver == nil:
		return errors.New("persistence manager is required")
	case d.Changes == nil:
		return errors.New("change log is required")
	}
	return nil
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is the sustained mutating requests per second per client.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Server provides HTTP endpoints for statekeeper.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
	limiter *clientLimiter
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:      "127.0.0.1",
			Port:      8787,
			RateLimit: 50,
			RateBurst: 100,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = newClientLimiter(cfg.RateLimit, burst)
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/state", s.handleGetState)
	v1.GET("/aggregates", s.handleAggregates)
	v1.GET("/best", s.handleBest)
	v1.GET("/advice", s.handleAdvice)
	v1.GET("/changes", s.handleChanges)
	v1.POST("/query", s.handleQuery)

	var limited []echo.MiddlewareFunc
	if s.limiter != nil {
		limited = append(limited, s.limiter.middleware())
	}
	v1.PUT("/state", s.handleSetState, limited...)
	v1.DELETE("/state", s.handleDeleteState, limited...)
	v1.POST("/state/merge", s.handleMergeState, limited...)
	v1.POST("/attempts", s.handleRecordAttempt, limited...)
	v1.POST("/generalize", s.handleGeneralize, limited...)
	v1.POST("/save", s.handleSave, limited...)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:    "ok",
		Dirty:     s.deps.Saver.Dirty(),
		ChangeLog: s.deps.Changes.Len(),
	}
	if last := s.deps.Saver.LastChange(); !last.IsZero() {
		resp.LastChange = last.UnixMilli()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetState(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusOK, StateResponse{Value: s.deps.State.Snapshot()})
	}
	if err := document.ValidatePath(path); err != nil {
		return s.fail(c, err)
	}
	v, ok := s.deps.State.Get(path)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("no value at %q", path)})
	}
	return c.JSON(http.StatusOK, StateResponse{Path: path, Value: v})
}

func (s *Server) handleSetState(c echo.Context) error {
	var req SetStateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Value) == 0 {
		return badRequest(c, "value field is required")
	}
	v, err := document.ParseJSON(req.Value)
	if err != nil {
		return badRequest(c, fmt.Sprintf("invalid value: %v", err))
	}
	if err := s.deps.State.Set(req.Path, v); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, StateResponse{Path: req.Path, Value: v})
}

func (s *Server) handleMergeState(c echo.Context) error {
	var req MergeStateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Fields) == 0 {
		return badRequest(c, "fields must not be empty")
	}
	fields := make(map[string]document.Value, len(req.Fields))
	for k, raw := range req.Fields {
		v, err := document.ParseJSON(raw)
		if err != nil {
			return badRequest(c, fmt.Sprintf("invalid value for %q: %v", k, err))
		}
		fields[k] = v
	}
	if err := s.deps.State.Merge(req.Path, fields); err != nil {
		return s.fail(c, err)
	}
	v, _ := s.deps.State.Get(req.Path)
	return c.JSON(http.StatusOK, StateResponse{Path: req.Path, Value: v})
}

func (s *Server) handleDeleteState(c echo.Context) error {
	path := c.QueryParam("path")
	removed, err := s.deps.State.Delete(path)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, DeleteStateResponse{Path: path, Removed: removed})
}

func (s *Server) handleRecordAttempt(c echo.Context) error {
	var rec learning.FixAttemptRecord
	if err := c.Bind(&rec); err != nil {
		return badRequest(c, "invalid request body")
	}
	agg, err := s.deps.Learning.RecordAttempt(c.Request().Context(), &rec)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, agg)
}

func (s *Server) handleAggregates(c echo.Context) error {
	aggs := s.deps.Learning.Aggregates(c.QueryParam("issue_type"))
	if aggs == nil {
		aggs = []*learning.PatternAggregate{}
	}
	return c.JSON(http.StatusOK, aggs)
}

func (s *Server) handleBest(c echo.Context) error {
	issueType := c.QueryParam("issue_type")
	if issueType == "" {
		return badRequest(c, "issue_type is required")
	}
	best, ok := s.deps.Learning.BestSolution(issueType)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("no recorded attempts for %s", issueType)})
	}
	return c.JSON(http.StatusOK, best)
}

func (s *Server) handleAdvice(c echo.Context) error {
	issueType := c.QueryParam("issue_type")
	errorMessage := c.QueryParam("error")
	if issueType == "" && errorMessage == "" {
		return badRequest(c, "issue_type or error is required")
	}
	adv, err := s.deps.Advisor.Query(c.Request().Context(), issueType, errorMessage, c.QueryParam("component"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, adv)
}

func (s *Server) handleGeneralize(c echo.Context) error {
	report, err := s.deps.Learning.Generalize(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleSave(c echo.Context) error {
	res, err := s.deps.Saver.Save(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleChanges(c echo.Context) error {
	prefix := c.QueryParam("prefix")
	if prefix != "" {
		if err := document.ValidatePath(prefix); err != nil {
			return s.fail(c, err)
		}
	}
	since, err := intParam(c, "since", 0)
	if err != nil {
		return badRequest(c, err.Error())
	}
	limit, err := intParam(c, "limit", 100)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if limit <= 0 || limit > maxChangesLimit {
		limit = maxChangesLimit
	}

	if c.QueryParam("source") == "archive" {
		entries, err := s.deps.Changes.QueryArchive(c.Request().Context(), prefix, since, int(limit))
		if errors.Is(err, changelog.ErrNoArchive) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		}
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, ChangesResponse{Source: "archive", Entries: nonNil(entries)})
	}

	entries := s.deps.Changes.Query(prefix, since)
	if len(entries) > int(limit) {
		entries = entries[len(entries)-int(limit):]
	}
	return c.JSON(http.StatusOK, ChangesResponse{Source: "memory", Entries: nonNil(entries)})
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ans, err := s.deps.Questions.Dispatch(c.Request().Context(), req.Question)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, ans)
}

// fail maps service errors to status codes.
func (s *Server) fail(c echo.Context, err error) error {
	var (
		pathErr  *document.InvalidPathError
		writeErr *persistence.WriteError
	)
	switch {
	case errors.As(err, &pathErr), errors.Is(err, learning.ErrInvalidRecord),
		errors.Is(err, query.ErrEmptyQuestion), errors.Is(err, document.ErrNotSequence),
		errors.Is(err, document.ErrNotMapping), errors.Is(err, document.ErrUnsupportedNumber):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})

	case errors.As(err, &writeErr):
		s.logger.Warn("save rejected",
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err),
		)
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:            err.Error(),
			PriorStateIntact: writeErr.PriorStateIntact(),
		})

	case errors.Is(err, query.ErrUnrecognizedQuestion):
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	}

	s.logger.Error("request failed",
		zap.String("uri", c.Request().RequestURI),
		zap.Error(err),
	)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func intParam(c echo.Context, name string, def int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func nonNil(entries []changelog.Entry) []changelog.Entry {
	if entries == nil {
		return []changelog.Entry{}
	}
	return entries
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
