package config

import "testing"

func TestEnvApply(t *testing.T) {
	t.Setenv("WEREAD_HOST", "127.0.0.1")
	t.Setenv("WEREAD_PORT", "8088")
	t.Setenv("WEREAD_DEBUG", "true")

	e, err := ParseEnv()
	if err != nil {
		t.Fatalf("ParseEnv: %v", err)
	}
	if e.ConfigPath != "config.yaml" {
		t.Fatalf("ConfigPath default = %q", e.ConfigPath)
	}

	s, err := Decode(Defaults())
	if err != nil {
		t.Fatal(err)
	}
	e.Apply(s)
	if got := s.Server.Addr(); got != "127.0.0.1:8088" {
		t.Fatalf("Addr = %q", got)
	}
	if s.Logging.Level != "DEBUG" {
		t.Fatalf("level = %q", s.Logging.Level)
	}
}

func TestEnvRejectsBadPort(t *testing.T) {
	t.Setenv("WEREAD_PORT", "not-a-port")
	if _, err := ParseEnv(); err == nil {
		t.Fatal("expected parse error")
	}
}
