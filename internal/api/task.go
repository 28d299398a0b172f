package api

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"wereadbot/internal/autorun"
	"wereadbot/internal/session"
	"wereadbot/internal/storage"
)

type statusView struct {
	session.State
	IsRunning bool              `json:"is_running"`
	Timestamp time.Time         `json:"timestamp"`
	Autorun   *autorun.Snapshot `json:"autorun,omitempty"`
}

func (s *Server) startTask(c echo.Context) error {
	started := s.now()
	override, err := bindTree(c)
	if err != nil {
		return err
	}
	ctx := session.WithTrigger(c.Request().Context(), "api")
	id, err := s.d.Sessions.Start(ctx, override)
	s.audit(c, "task.start", id, started, err)
	if err != nil {
		return err
	}
	return ok(c, "task started", map[string]string{"session_id": id})
}

func (s *Server) stopTask(c echo.Context) error {
	started := s.now()
	st := s.d.Sessions.Status()
	stopped := s.d.Sessions.Stop()
	s.audit(c, "task.stop", st.ID, started, nil)
	if !stopped {
		return ok(c, "no task running", nil)
	}
	return ok(c, "task stopping", map[string]string{"session_id": st.ID})
}

func (s *Server) taskStatus(c echo.Context) error {
	st := s.d.Sessions.Status()
	v := statusView{State: st, IsRunning: st.Status == session.Running, Timestamp: s.now()}
	if s.d.Autorun != nil {
		snap := s.d.Autorun.Snapshot()
		v.Autorun = &snap
	}
	return ok(c, "", v)
}

// queryLimit parses ?limit=, falling back to def for missing or bad values.
func queryLimit(c echo.Context, def int) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) listSessions(c echo.Context) error {
	if s.d.Store == nil {
		return ok(c, "storage disabled", []storage.SessionRecord{})
	}
	recs, err := s.d.Store.ListSessions(c.Request().Context(), queryLimit(c, 20))
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []storage.SessionRecord{}
	}
	return ok(c, "", recs)
}

func (s *Server) listAudit(c echo.Context) error {
	if s.d.Store == nil {
		return ok(c, "storage disabled", []storage.AuditEntry{})
	}
	entries, err := s.d.Store.ListAudit(c.Request().Context(), queryLimit(c, 50))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	return ok(c, "", entries)
}
