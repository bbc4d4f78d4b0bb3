package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "AirVoice.cfg")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadFullSection(t *testing.T) {
	path := writeConfig(t, `
[MM_353412345]
username = 15550123
password = secret
sip_host = pbx.example.com
sip_id = 15550123
audio_port = /dev/ttyUSB2
local_ip = 192.0.2.9
`)

	modems, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	mc, ok := modems["353412345"]
	if !ok {
		t.Fatalf("modems[353412345] missing, got %+v", modems)
	}
	if mc.SipHost != "pbx.example.com" {
		t.Errorf("SipHost = %q, want pbx.example.com", mc.SipHost)
	}
	if mc.AudioPort != "/dev/ttyUSB2" {
		t.Errorf("AudioPort = %q, want /dev/ttyUSB2", mc.AudioPort)
	}
}

func TestLoadSkipsIncompleteSection(t *testing.T) {
	path := writeConfig(t, `
[MM_111]
username = 1000
password = secret
sip_host = pbx.example.com
sip_id = 1000
audio_port = /dev/ttyUSB0
local_ip = 192.0.2.1

[MM_222]
username = 2000
password = secret
`)

	modems, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := modems["111"]; !ok {
		t.Error("modems[111] missing, want the fully-populated section kept")
	}
	if _, ok := modems["222"]; ok {
		t.Error("modems[222] present, want the incomplete section dropped")
	}
}

func TestLoadNoSections(t *testing.T) {
	path := writeConfig(t, "# no modem sections here\n")
	modems, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(modems) != 0 {
		t.Errorf("len(modems) = %d, want 0", len(modems))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.cfg")); err == nil {
		t.Error("Load() error = nil, want error for missing file")
	}
}
