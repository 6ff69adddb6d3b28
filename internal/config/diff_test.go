package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/podium/internal/config"
)

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)

	if d := config.Diff(a, b); !d.IsEmpty() {
		t.Errorf("diff = %+v, want empty", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Server.LogLevel = config.LogWarn

	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("diff = %+v, want log level change to warn", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartSections(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Server.ListenAddr = ":7070"
	b.Poll.Interval = 10 * time.Second
	b.Store.DSN = "/tmp/other.db"

	d := config.Diff(a, b)
	if d.LogLevelChanged {
		t.Error("log level reported as changed")
	}
	want := []string{"server", "poll", "store"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("restart required = %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_TLSPointerComparedByValue(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	a.Server.TLS = &config.TLSConfig{CertFile: "c.pem", KeyFile: "k.pem"}
	b.Server.TLS = &config.TLSConfig{CertFile: "c.pem", KeyFile: "k.pem"}

	if d := config.Diff(a, b); !d.IsEmpty() {
		t.Errorf("diff = %+v, want empty for equal TLS settings", d)
	}
}
