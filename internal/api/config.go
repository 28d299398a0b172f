package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"wereadbot/internal/config"
)

const maxImportSize = 1 << 20

func (s *Server) getConfig(c echo.Context) error {
	return ok(c, "", s.d.Config.Get())
}

// bindTree decodes an optional JSON object body. An empty body yields nil.
func bindTree(c echo.Context) (config.Tree, error) {
	b, err := io.ReadAll(io.LimitReader(c.Request().Body, maxImportSize))
	if err != nil {
		return nil, badRequest("read body: " + err.Error())
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var t config.Tree
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, badRequest("invalid JSON object: " + err.Error())
	}
	return t, nil
}

func (s *Server) saveConfig(c echo.Context) error {
	started := s.now()
	t, err := bindTree(c)
	if err != nil {
		return err
	}
	if t == nil {
		return badRequest("config body required")
	}
	err = s.d.Config.Save(c.Request().Context(), t)
	s.audit(c, "config.save", s.d.Config.Path(), started, err)
	if err != nil {
		return err
	}
	return ok(c, "config saved", s.d.Config.Get())
}

func (s *Server) validateConfig(c echo.Context) error {
	t, err := bindTree(c)
	if err != nil {
		return err
	}
	if err := s.d.Validate(c.Request().Context(), t); err != nil {
		return err
	}
	return ok(c, "config is valid", nil)
}

func (s *Server) resetConfig(c echo.Context) error {
	started := s.now()
	err := s.d.Config.Reset(c.Request().Context())
	s.audit(c, "config.reset", s.d.Config.Path(), started, err)
	if err != nil {
		return err
	}
	return ok(c, "config reset to defaults", s.d.Config.Get())
}

type valueBody struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func (s *Server) getConfigValue(c echo.Context) error {
	path := strings.TrimSpace(c.QueryParam("path"))
	if path == "" {
		return badRequest("path is required")
	}
	v, err := s.d.Config.Value(path)
	if err != nil {
		return err
	}
	return ok(c, "", valueBody{Path: path, Value: v})
}

func (s *Server) setConfigValue(c echo.Context) error {
	started := s.now()
	var body valueBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if strings.TrimSpace(body.Path) == "" {
		return badRequest("path is required")
	}
	err := s.d.Config.Set(c.Request().Context(), body.Path, body.Value)
	s.audit(c, "config.set", body.Path, started, err)
	if err != nil {
		return err
	}
	return ok(c, "value updated", body)
}

func (s *Server) exportConfig(c echo.Context) error {
	b, err := s.d.Config.Export()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("config-%s.yaml", s.now().Format("20060102-150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, "application/x-yaml", b)
}

func (s *Server) importConfig(c echo.Context) error {
	started := s.now()
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest("no file uploaded")
	}
	if fh.Filename == "" {
		return badRequest("file name is empty")
	}
	switch strings.ToLower(filepath.Ext(fh.Filename)) {
	case ".yaml", ".yml":
	default:
		return badRequest("only YAML files are supported")
	}
	if fh.Size > maxImportSize {
		return badRequest("file too large")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxImportSize))
	if err != nil {
		return err
	}

	err = s.d.Config.Import(c.Request().Context(), data)
	s.audit(c, "config.import", fh.Filename, started, err)
	if err != nil {
		return err
	}
	return ok(c, "config imported", nil)
}
