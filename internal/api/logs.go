package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	sse "github.com/tmaxmax/go-sse"

	"wereadbot/internal/activity"
	"wereadbot/internal/eventbus"
	logx "wereadbot/pkg/logx"
)

func (s *Server) getLogs(c echo.Context) error {
	return ok(c, "", s.d.Activity.Query(queryLimit(c, 100)))
}

func (s *Server) clearLogs(c echo.Context) error {
	s.d.Activity.Clear()
	s.d.Activity.Record(activity.Info, "logs cleared", nil)
	return ok(c, "logs cleared", nil)
}

func (s *Server) downloadLogs(c echo.Context) error {
	path := ""
	if s.d.LogFile != nil {
		path = s.d.LogFile()
	}
	if path == "" {
		return echo.NewHTTPError(http.StatusNotFound, "file logging is disabled")
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return echo.NewHTTPError(http.StatusNotFound, "log file does not exist")
	}
	return c.Attachment(path, fmt.Sprintf("weread-%s.log", s.now().Format("20060102-150405")))
}

// streamLogs pushes activity entries as server-sent events. The stream
// opens with the most recent entries (?limit=, default 50) and then
// follows new ones; a "clear" event signals that the log was cleared.
func (s *Server) streamLogs(c echo.Context) error {
	events, unsub := s.d.Bus.Subscribe(256)
	defer unsub()

	sess, err := sse.Upgrade(c.Response(), c.Request())
	if err != nil {
		return err
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return nil
	}
	for _, e := range s.d.Activity.Query(queryLimit(c, 50)) {
		if err := sendEntry(sess, e); err != nil {
			return nil
		}
	}
	_ = sess.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-events:
			if !open {
				return nil
			}
			var err error
			switch ev.Type {
			case eventbus.ActivityAppended:
				if e, isEntry := ev.Data.(activity.Entry); isEntry {
					err = sendEntry(sess, e)
				}
			case eventbus.ActivityCleared:
				msg := &sse.Message{Type: sse.Type("clear")}
				msg.AppendData("{}")
				err = sess.Send(msg)
			default:
				continue
			}
			if err == nil {
				err = sess.Flush()
			}
			if err != nil {
				s.log.Debug("log stream closed", logx.Err(err))
				return nil
			}
		}
	}
}

func sendEntry(sess *sse.Session, e activity.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := &sse.Message{Type: sse.Type("log")}
	msg.AppendData(string(b))
	return sess.Send(msg)
}
