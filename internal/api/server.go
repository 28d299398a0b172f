// Package api is the HTTP control plane: configuration, session control,
// the activity log, curl command files, notifications and health.
//
// Every response uses the same envelope: {"success": true, "data": ...} on
// success and {"success": false, "error": "..."} on failure.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"wereadbot/internal/activity"
	"wereadbot/internal/autorun"
	"wereadbot/internal/config"
	"wereadbot/internal/eventbus"
	"wereadbot/internal/notifier"
	"wereadbot/internal/reader"
	"wereadbot/internal/runtime/supervisor"
	"wereadbot/internal/session"
	"wereadbot/internal/storage"
	logx "wereadbot/pkg/logx"
)

// Deps are the components the handlers operate. Autorun, Store, Supervisor
// and LogFile are optional.
type Deps struct {
	Config     *config.Store
	Validate   func(ctx context.Context, t config.Tree) error
	Sessions   *session.Manager
	Activity   *activity.Log
	Bus        eventbus.Bus
	Curl       *reader.CurlFiles
	Notifier   *notifier.Service
	Autorun    *autorun.Service
	Store      storage.Store
	Supervisor *supervisor.Supervisor
	LogFile    func() string
	Log        logx.Logger
	Pprof      bool
}

type Server struct {
	Echo *echo.Echo
	d    Deps
	log  logx.Logger
	now  func() time.Time
}

type envelope struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	Data     any      `json:"data,omitempty"`
	Error    string   `json:"error,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

func New(d Deps) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Validate == nil {
		d.Validate = func(_ context.Context, t config.Tree) error { return config.Validate(t) }
	}
	s := &Server{d: d, log: d.Log.With(logx.String("comp", "api")), now: time.Now}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("uri", v.URI),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
				logx.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, logx.Err(v.Error))
			}
			s.log.Debug("http request", fields...)
			return nil
		},
	}))
	s.Echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	g := s.Echo.Group("/api")

	g.GET("/config", s.getConfig)
	g.POST("/config", s.saveConfig)
	g.POST("/config/validate", s.validateConfig)
	g.POST("/config/reset", s.resetConfig)
	g.GET("/config/value", s.getConfigValue)
	g.PUT("/config/value", s.setConfigValue)
	g.GET("/export/config", s.exportConfig)
	g.POST("/import/config", s.importConfig)

	g.POST("/task/start", s.startTask)
	g.POST("/task/stop", s.stopTask)
	g.GET("/task/status", s.taskStatus)
	g.GET("/sessions", s.listSessions)
	g.GET("/audit", s.listAudit)

	g.GET("/logs", s.getLogs)
	g.POST("/logs/clear", s.clearLogs)
	g.GET("/logs/download", s.downloadLogs)
	g.GET("/logs/stream", s.streamLogs)

	g.GET("/curl/load", s.loadCurl)
	g.POST("/curl/save", s.saveCurl)

	g.POST("/notification/test", s.testNotification)
	g.GET("/notification/history", s.notificationHistory)

	g.GET("/health", s.health)

	if s.d.Pprof {
		p := s.Echo.Group("/debug/pprof")
		p.GET("/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
		p.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		p.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		p.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		p.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		p.GET("/:name", func(c echo.Context) error {
			hpprof.Handler(c.Param("name")).ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("http server listening", logx.String("addr", addr))
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := envelope{Error: err.Error()}

	var (
		he *echo.HTTPError
		ve *config.ValidationError
	)
	switch {
	case errors.As(err, &he):
		status = he.Code
		body.Error = fmt.Sprint(he.Message)
		if he.Internal != nil && status >= http.StatusInternalServerError {
			err = he.Internal
		}
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		body.Problems = ve.Problems
	case errors.Is(err, session.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, config.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, reader.ErrInvalidName):
		status = http.StatusBadRequest
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logx.String("method", c.Request().Method),
			logx.String("path", c.Path()),
			logx.Err(err),
		)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func ok(c echo.Context, msg string, data any) error {
	return c.JSON(http.StatusOK, envelope{Success: true, Message: msg, Data: data})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

// audit records an operator action when storage is configured.
func (s *Server) audit(c echo.Context, action, target string, started time.Time, err error) {
	if s.d.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     started,
		Actor:  "api",
		Remote: c.RealIP(),
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), 2*time.Second)
	defer cancel()
	if aerr := s.d.Store.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
