package main

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"epdhal/internal/config"
	"epdhal/internal/controller"
	appLog "epdhal/internal/log"
	"epdhal/internal/waveform"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// firmware returns a sealed commands region followed by a sealed legacy
// waveform header for mode version 0.
func firmware(t *testing.T) []byte {
	t.Helper()
	cmds := make([]byte, waveform.CommandsSize)
	for i := range cmds[:waveform.CommandsSize-4] {
		cmds[i] = byte(i * 3)
	}
	if err := waveform.SealCommands(cmds); err != nil {
		t.Fatal(err)
	}
	h := make([]byte, 0x30)
	binary.LittleEndian.PutUint32(h[0x08:], 1234567)
	h[0x0C] = 0x02
	h[0x0D] = 0x06
	binary.LittleEndian.PutUint16(h[0x0E:], 42)
	h[0x11] = 0x10
	h[0x12] = 0x03
	h[0x13] = 0x15
	h[0x14] = 0x3C
	h[0x15] = 0x33
	h[0x17] = 0x85
	waveform.SealLegacy(h)
	return append(cmds, h...)
}

func TestFlashToolsBeforeStart(t *testing.T) {
	dir := t.TempDir()
	img := firmware(t)
	fw := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(fw, img, 0o600); err != nil {
		t.Fatal(err)
	}

	conf := config.DefaultConfig()
	conf.Transport.Kind = "sim"
	conf.Panel.Width, conf.Panel.Height = 100, 100
	ctl, closeBus, err := openController(conf, flagConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(closeBus)
	t.Cleanup(func() { ctl.Close() })

	if err := ctl.Start(); err == nil {
		t.Fatal("controller started from blank flash")
	}

	dump := filepath.Join(dir, "dump.bin")
	flags := flagConfig{flashWrite: fw, flashDump: dump, flashLen: len(img)}
	if err := runFlashTools(ctl, flags); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dump)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Error("dumped flash differs from the programmed image")
	}

	if err := ctl.Start(); err != nil {
		t.Fatalf("start after reflash: %v", err)
	}
	if ctl.PowerState() != controller.PowerRun {
		t.Errorf("power = %s", ctl.PowerState())
	}
}

func TestFlagActions(t *testing.T) {
	tests := []struct {
		name       string
		flags      flagConfig
		flash      bool
		needsPanel bool
	}{
		{"none", flagConfig{}, false, false},
		{"dump only", flagConfig{flashDump: "x"}, true, false},
		{"write and clear", flagConfig{flashWrite: "x", clear: true}, true, true},
		{"power", flagConfig{power: "sleep"}, false, true},
		{"url", flagConfig{url: "http://127.0.0.1"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.flags.hasFlashTools(); got != tt.flash {
				t.Errorf("hasFlashTools = %v", got)
			}
			if got := tt.flags.needsPanel(); got != tt.needsPanel {
				t.Errorf("needsPanel = %v", got)
			}
		})
	}
}
