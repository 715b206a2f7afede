package happi

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const deviceDBJSON = `{
  "im3l0": {
    "beamline": "TMO",
    "device_class": "pcdsdevices.ProfileMonitor",
    "prefix": "IM3L0:PPM:",
    "signals": {"state": "IM3L0:PPM:STATE", "y": "IM3L0:PPM:MMS:Y.RBV"}
  },
  "at1k4": {
    "beamline": "TMO",
    "prefix": "AT1K4:L2SI:"
  }
}`

func writeDB(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write db: %v", err)
	}
	return path
}

func TestLoadAndResolve(t *testing.T) {
	client, err := Load(writeDB(t, "db.json", deviceDBJSON))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	dev, err := client.Resolve("im3l0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dev.Name != "im3l0" || dev.Beamline != "TMO" {
		t.Errorf("device = %+v", dev)
	}

	if _, err := client.Resolve("im9999"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown device err = %v, want ErrDeviceNotFound", err)
	}

	names := client.Names()
	if len(names) != 2 || names[0] != "at1k4" || names[1] != "im3l0" {
		t.Errorf("names = %v", names)
	}
}

func TestLoadYAML(t *testing.T) {
	db := "xpp_motor:\n  beamline: XPP\n  prefix: \"XPP:MOT:\"\n"
	client, err := Load(writeDB(t, "db.yaml", db))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dev, err := client.Resolve("xpp_motor")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dev.Prefix != "XPP:MOT:" {
		t.Errorf("prefix = %q", dev.Prefix)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := Load(writeDB(t, "broken.json", "{not json")); err == nil {
		t.Error("malformed file should fail")
	}
}

func TestDeviceChannel(t *testing.T) {
	dev := &Device{
		Name:    "im3l0",
		Prefix:  "IM3L0:PPM:",
		Signals: map[string]string{"y": "IM3L0:PPM:MMS:Y.RBV"},
	}
	if got := dev.Channel("y"); got != "IM3L0:PPM:MMS:Y.RBV" {
		t.Errorf("mapped signal = %q", got)
	}
	if got := dev.Channel("state"); got != "IM3L0:PPM:STATE" {
		t.Errorf("prefixed signal = %q", got)
	}
	bare := &Device{Name: "bare"}
	if got := bare.Channel("attr"); got != "bare.attr" {
		t.Errorf("fallback = %q", got)
	}
}

func TestStaticResolver(t *testing.T) {
	res := Static{"dev1": {Name: "dev1"}}
	if _, err := res.Resolve("dev1"); err != nil {
		t.Errorf("resolve: %v", err)
	}
	if _, err := res.Resolve("dev2"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("err = %v, want ErrDeviceNotFound", err)
	}
}
