package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalsfoundry/pus-correlator/model"
)

const insertActivity = `[
  {
    "activity_id": 11004,
    "path": "ROOT.PUS.SCHEDULING.INSERT_ACTIVITY",
    "arguments": [
      {"name": "SUB_SCHEDULE_ID", "type": "UNSIGNED_INTEGER"},
      {"name": "N", "type": "UNSIGNED_INTEGER"},
      {"name": "COMMANDS", "elements": [
        {"name": "RELEASE_TIME", "type": "ABSOLUTE_TIME"},
        {"name": "TC", "type": "OCTET_STRING"}
      ]}
    ]
  }
]`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "activities.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadActivityDescriptors(t *testing.T) {
	c, err := Load(writeFile(t, insertActivity))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d, err := c.Descriptor(context.Background(), "ROOT.PUS.SCHEDULING.INSERT_ACTIVITY")
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if d.ActivityID != 11004 || len(d.Arguments) != 3 {
		t.Fatalf("descriptor = %+v", d)
	}
	arr, ok := d.Argument("COMMANDS")
	if !ok || !arr.IsArray() || arr.Elements[0].Type != model.ValueAbsoluteTime {
		t.Fatalf("array argument = %+v", arr)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeFile(t, `{"path":`)); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(writeFile(t, `[{"activity_id": 1}]`)); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestUnknownPath(t *testing.T) {
	c := New(model.ActivityDescriptor{Path: "A"})
	c.Put(model.ActivityDescriptor{Path: "B"})
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
	if _, err := c.Descriptor(context.Background(), "C"); !errors.Is(err, model.ErrDescriptorNotFound) {
		t.Fatalf("err = %v", err)
	}
}
