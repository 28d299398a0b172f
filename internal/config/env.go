package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Env holds process-level overrides read from the environment.
type Env struct {
	Host       string `env:"WEREAD_HOST"`
	Port       int    `env:"WEREAD_PORT"`
	ConfigPath string `env:"WEREAD_CONFIG" envDefault:"config.yaml"`
	Debug      bool   `env:"WEREAD_DEBUG"`
	LogLevel   string `env:"WEREAD_LOG_LEVEL"`
}

// ParseEnv reads Env from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Apply layers the environment on top of s.
func (e Env) Apply(s *Settings) {
	if s == nil {
		return
	}
	if h := strings.TrimSpace(e.Host); h != "" {
		s.Server.Host = h
	}
	if e.Port > 0 {
		s.Server.Port = e.Port
	}
	if lvl := strings.TrimSpace(e.LogLevel); lvl != "" {
		s.Logging.Level = lvl
	} else if e.Debug {
		s.Logging.Level = "DEBUG"
	}
}
