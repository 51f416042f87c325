package logging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestErrField(t *testing.T) {
	if f := Err(nil); f.Key != "error" || f.Value != "" {
		t.Fatalf("Err(nil) = %+v", f)
	}
	if f := Err(errors.New("boom")); f.Value != "boom" {
		t.Fatalf("Err(boom) = %+v", f)
	}
}

func TestHex32(t *testing.T) {
	if f := Hex32("command_id", 0x1803C001); f.Value != "0x1803C001" {
		t.Fatalf("Hex32 = %v", f.Value)
	}
}

func TestFileOutputSlogJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driver.log")
	log := New(Config{Level: "debug", Format: "json", File: path})
	log.With(String("service", "verification")).Debug(context.Background(), "report queued", Int("sub_type", 1))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"msg":"report queued"`, `"service":"verification"`, `"sub_type":1`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %s", out, want)
		}
	}
}

func TestFileOutputZap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zap.log")
	log := New(Config{Level: "info", Format: "json", Backend: "zap", File: path})
	log.Debug(context.Background(), "dropped")
	log.Info(context.Background(), "kept", String("stage", "On-board Start"))
	if z, ok := log.(*zapLogger); ok {
		_ = z.l.Sync()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Fatalf("debug entry written at info level: %q", out)
	}
	if !strings.Contains(out, `"stage":"On-board Start"`) {
		t.Fatalf("zap output %q missing stage field", out)
	}
}

func TestNoopIgnoresEverything(t *testing.T) {
	l := Noop().With(String("k", "v"))
	l.Error(context.Background(), "nothing")
}
