package api

import (
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"

	"wereadbot/internal/config"
	"wereadbot/internal/notifier"
	"wereadbot/internal/reader"
	"wereadbot/internal/runtime/supervisor"
)

func (s *Server) curlName(name string) string {
	if name != "" {
		return name
	}
	// the configured file is the default
	return s.d.Config.Get().String("curl_config.file_path", reader.DefaultCurlFile)
}

func (s *Server) loadCurl(c echo.Context) error {
	f, err := s.d.Curl.Load(s.curlName(c.QueryParam("filename")))
	if err != nil {
		return err
	}
	if !f.Exists {
		return ok(c, "file does not exist", f)
	}
	return ok(c, "", f)
}

type curlBody struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (s *Server) saveCurl(c echo.Context) error {
	started := s.now()
	var body curlBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	name, err := s.d.Curl.Save(s.curlName(body.Filename), body.Content)
	s.audit(c, "curl.save", name, started, err)
	if err != nil {
		return err
	}
	return ok(c, "saved to "+name, map[string]string{"filename": name})
}

type notificationTestBody struct {
	Channels []config.ChannelConfig `json:"channels"`
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
}

func (s *Server) testNotification(c echo.Context) error {
	var body notificationTestBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if len(body.Channels) == 0 {
		return badRequest("no notification channels configured")
	}
	if body.Title == "" {
		body.Title = "WeRead bot - test notification"
	}
	if body.Content == "" {
		body.Content = "This is a test notification."
	}
	results := s.d.Notifier.Test(c.Request().Context(), body.Channels, notifier.Message{Title: body.Title, Text: body.Content})
	return ok(c, "test notification sent", results)
}

func (s *Server) notificationHistory(c echo.Context) error {
	items := s.d.Notifier.Snapshot()
	if items == nil {
		items = []notifier.HistoryItem{}
	}
	return ok(c, "", items)
}

type healthView struct {
	Success    bool                 `json:"success"`
	Status     string               `json:"status"`
	Timestamp  string               `json:"timestamp"`
	Running    bool                 `json:"running"`
	Goroutines int                  `json:"goroutines"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	v := healthView{
		Success:    true,
		Status:     "running",
		Timestamp:  s.now().Format("2006-01-02T15:04:05.000000"),
		Running:    s.d.Sessions.Running(),
		Goroutines: runtime.NumGoroutine(),
	}
	if s.d.Supervisor != nil {
		snap := s.d.Supervisor.Snapshot()
		v.Supervisor = &snap
	}
	return c.JSON(http.StatusOK, v)
}
