package controller

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"os"
	"testing"
	"time"

	"epdhal/internal/bscmd"
	"epdhal/internal/convert"
	appLog "epdhal/internal/log"
	"epdhal/internal/pmic"
	"epdhal/internal/transport"
	"epdhal/internal/updmode"
	"epdhal/internal/waveform"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

const wantVersion = "V220_P042_60_WJ1003_S33_85_0001234567"

// waveformHeader returns a sealed legacy waveform header.
func waveformHeader(modeVersion byte) []byte {
	h := make([]byte, 0x30)
	binary.LittleEndian.PutUint32(h[0x08:], 1234567)
	h[0x0C] = 0x02 // run type P
	h[0x0D] = 0x06 // V220
	binary.LittleEndian.PutUint16(h[0x0E:], 42)
	h[0x10] = modeVersion
	h[0x11] = 0x10
	h[0x12] = 0x03
	h[0x13] = 0x15 // WJ
	h[0x14] = 0x3C // 60
	h[0x15] = 0x33
	h[0x16] = 0x00 // S
	h[0x17] = 0x85
	waveform.SealLegacy(h)
	return h
}

// firmwareImage is a flash image with a sealed commands region followed by
// a waveform header.
func firmwareImage(t *testing.T, modeVersion byte) []byte {
	t.Helper()
	cmds := make([]byte, waveform.CommandsSize)
	for i := range cmds[:waveform.CommandsSize-4] {
		cmds[i] = byte(i * 7)
	}
	if err := waveform.SealCommands(cmds); err != nil {
		t.Fatal(err)
	}
	return append(cmds, waveformHeader(modeVersion)...)
}

func newSim(t *testing.T, opts ...transport.SimOption) *transport.Sim {
	t.Helper()
	sim := transport.NewSim(opts...)
	sim.LoadFlash(0, firmwareImage(t, byte(updmode.V00)))
	return sim
}

func newController(t *testing.T, sim *transport.Sim, p pmic.PMIC, opts ...Option) *Controller {
	t.Helper()
	base := []Option{
		WithPanel(100, 100, 4),
		WithRepairDelay(0),
		WithResetDelay(time.Hour),
		WithRailsTimeout(100 * time.Millisecond),
	}
	c := New(sim, p, append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func started(t *testing.T, sim *transport.Sim, p pmic.PMIC, opts ...Option) *Controller {
	t.Helper()
	c := newController(t, sim, p, opts...)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func gray(w, h int) []byte  { return convert.Fill(w, h, 4, 0x5) }
func white(w, h int) []byte { return convert.Fill(w, h, 4, 0xF) }

func mustMode(t *testing.T, name string) updmode.Mode {
	t.Helper()
	m, err := updmode.ForVersion(updmode.V00)
	if err != nil {
		t.Fatal(err)
	}
	mode, err := m.ParseMode(name)
	if err != nil {
		t.Fatal(err)
	}
	return mode
}

func lastUpdate(t *testing.T, sim *transport.Sim) transport.UpdateRecord {
	t.Helper()
	u := sim.Updates()
	if len(u) == 0 {
		t.Fatal("no update commands sent")
	}
	return u[len(u)-1]
}

func TestStart(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)

	if got := c.PowerState(); got != PowerRun {
		t.Errorf("power = %s, want run", got)
	}
	v, err := c.WaveformVersion()
	if err != nil || v != wantVersion {
		t.Errorf("WaveformVersion = %q, %v", v, err)
	}
	tbl, _ := c.ModeTable()
	if tbl.Name != "bs-00" {
		t.Errorf("mode table = %s", tbl.Name)
	}
	if m, _ := c.Mode(); m != tbl.Init() {
		t.Errorf("mode after bring-up = %s", tbl.ModeName(m))
	}
	if sim.Count(bscmd.UpdInit) != 1 || sim.Count(bscmd.InitSysRun) != 1 {
		t.Errorf("history = %v", sim.History())
	}
	if got := sim.Register(bscmd.RegTemperature); got != 23 {
		t.Errorf("temperature register = %d, want 23", got)
	}
	if sim.State() != "run" {
		t.Errorf("sim state = %s", sim.State())
	}
}

func TestStartWithPMIC(t *testing.T) {
	sim := newSim(t)
	p := pmic.NewFake(30)
	p.SetRailsDelay(3)
	started(t, sim, p, WithVCOM(-1500))

	if p.VCOM() != -1500 {
		t.Errorf("vcom = %d", p.VCOM())
	}
	if p.PowerState() != pmic.Active {
		t.Errorf("pmic state = %s", p.PowerState())
	}
	// The PMIC owns temperature; the register is never written.
	if sim.Register(bscmd.RegTemperature) != 0 {
		t.Error("temperature register written with a PMIC present")
	}
}

func TestRailsTimeout(t *testing.T) {
	sim := newSim(t)
	p := pmic.NewFake(30)
	p.SetRailsDelay(1 << 30)
	c := newController(t, sim, p, WithRailsTimeout(5*time.Millisecond))
	err := c.Start()
	if err == nil {
		t.Fatal("Start succeeded without power good")
	}
	if got := c.PowerState(); got != PowerInit {
		t.Errorf("power after failed bring-up = %s", got)
	}
}

func TestSetPowerStateSameIsSilent(t *testing.T) {
	for _, s := range []PowerState{PowerRun, PowerStandby, PowerSleep, PowerOff, PowerOffScreenClear} {
		t.Run(s.String(), func(t *testing.T) {
			sim := newSim(t)
			c := started(t, sim, nil)
			if err := c.SetPowerState(s); err != nil {
				t.Fatalf("SetPowerState(%s): %v", s, err)
			}
			before := sim.Commands()
			if err := c.SetPowerState(s); err != nil {
				t.Fatalf("repeat SetPowerState(%s): %v", s, err)
			}
			if n := sim.Commands() - before; n != 0 {
				t.Errorf("repeat %s sent %d commands", s, n)
			}
		})
	}
}

func TestPowerTransitions(t *testing.T) {
	tests := []struct {
		name     string
		path     []PowerState
		simState string
		wantOps  map[bscmd.Opcode]int
	}{
		{"standby", []PowerState{PowerStandby}, "standby", map[bscmd.Opcode]int{bscmd.Stby: 1}},
		{"sleep", []PowerState{PowerSleep}, "sleep", map[bscmd.Opcode]int{bscmd.Slp: 1}},
		{"standby to run", []PowerState{PowerStandby, PowerRun}, "run", map[bscmd.Opcode]int{bscmd.RunSys: 1, bscmd.InitSysRun: 0}},
		{"standby to sleep", []PowerState{PowerStandby, PowerSleep}, "sleep", map[bscmd.Opcode]int{bscmd.Stby: 1, bscmd.RunSys: 1, bscmd.Slp: 1}},
		{"off goes through sleep", []PowerState{PowerOff}, "sleep", map[bscmd.Opcode]int{bscmd.Slp: 1}},
		{"off to run re-inits controller only", []PowerState{PowerOff, PowerRun}, "run", map[bscmd.Opcode]int{bscmd.InitSysRun: 1, bscmd.UpdInit: 0, bscmd.UpdPart: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := newSim(t)
			c := started(t, sim, nil)
			sim.ClearHistory()
			for _, s := range tt.path {
				if err := c.SetPowerState(s); err != nil {
					t.Fatalf("SetPowerState(%s): %v", s, err)
				}
			}
			if got := c.PowerState(); got != tt.path[len(tt.path)-1] {
				t.Errorf("power = %s", got)
			}
			if sim.State() != tt.simState {
				t.Errorf("sim state = %s, want %s", sim.State(), tt.simState)
			}
			for op, n := range tt.wantOps {
				if got := sim.Count(op); got != n {
					t.Errorf("%s sent %d times, want %d (history %v)", op, got, n, sim.History())
				}
			}
		})
	}
}

func TestPowerTransitionsPMIC(t *testing.T) {
	sim := newSim(t)
	p := pmic.NewFake(30)
	c := started(t, sim, p)

	if err := c.SetPowerState(PowerStandby); err != nil {
		t.Fatal(err)
	}
	if p.PowerState() != pmic.Standby {
		t.Errorf("pmic after standby = %s", p.PowerState())
	}
	if err := c.SetPowerState(PowerOff); err != nil {
		t.Fatal(err)
	}
	if p.PowerState() != pmic.Sleep {
		t.Errorf("pmic after off = %s", p.PowerState())
	}
	if err := c.SetPowerState(PowerRun); err != nil {
		t.Fatal(err)
	}
	if p.PowerState() != pmic.Active {
		t.Errorf("pmic after run = %s", p.PowerState())
	}
}

func TestBadTransitions(t *testing.T) {
	sim := newSim(t)
	c := newController(t, sim, nil)
	if err := c.SetPowerState(PowerStandby); !errors.Is(err, ErrBadTransition) {
		t.Errorf("init -> standby: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.SetPowerState(PowerInit); !errors.Is(err, ErrBadTransition) {
		t.Errorf("run -> init: %v", err)
	}
}

func TestCommandWakesParkedController(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	if err := c.SetPowerState(PowerSleep); err != nil {
		t.Fatal(err)
	}
	sim.ClearHistory()

	if err := c.LoadAndUpdate(white(10, 10), 0, 0, 10, 10, 0); err != nil {
		t.Fatal(err)
	}
	if c.PowerState() != PowerRun {
		t.Errorf("power = %s, want run", c.PowerState())
	}
	h := sim.History()
	if len(h) == 0 || h[0] != bscmd.RunSys || sim.Count(bscmd.RunSys) != 1 {
		t.Errorf("history = %v, want a single leading RUN_SYS", h)
	}
}

func TestOffScreenClear(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	if err := c.LoadAndUpdate(gray(10, 10), 20, 20, 10, 10, 0); err != nil {
		t.Fatal(err)
	}
	sim.ClearHistory()

	if err := c.SetPowerState(PowerOffScreenClear); err != nil {
		t.Fatal(err)
	}
	u := lastUpdate(t, sim)
	if u.Op != bscmd.UpdFull || u.Mode != uint8(mustMode(t, "MU")) {
		t.Errorf("clear update = %+v", u)
	}

	before := sim.Commands()
	if err := c.SetPowerState(PowerOff); err != nil {
		t.Fatal(err)
	}
	if sim.Commands() != before {
		t.Error("off_screen_clear -> off touched the bus")
	}

	// The shadow framebuffer survived the clear: the restore needs a
	// gray mode.
	if err := c.SetPowerState(PowerRun); err != nil {
		t.Fatal(err)
	}
	u = lastUpdate(t, sim)
	if u.Op != bscmd.UpdPart || u.Mode != uint8(mustMode(t, "GU")) {
		t.Errorf("restore update = %+v", u)
	}
}

func TestOffToOffScreenClearRefreshesOnce(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	if err := c.SetPowerState(PowerOff); err != nil {
		t.Fatal(err)
	}
	sim.ClearHistory()

	if err := c.SetPowerState(PowerOffScreenClear); err != nil {
		t.Fatal(err)
	}
	u := sim.Updates()
	if len(u) != 1 || u[0].Op != bscmd.UpdFull {
		t.Errorf("updates = %+v, want one full clear", u)
	}
	if c.PowerState() != PowerOffScreenClear {
		t.Errorf("power = %s", c.PowerState())
	}
}

func TestFullUpdateAllWhite(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	sim.ClearHistory()

	if err := c.LoadAndUpdate(white(100, 100), 0, 0, 100, 100, 0); err != nil {
		t.Fatal(err)
	}
	u := lastUpdate(t, sim)
	if u.Mode != uint8(mustMode(t, "MU")) {
		t.Errorf("mode = %d, want MU", u.Mode)
	}
	if sim.Stalls() != 2 {
		t.Errorf("full update stalled %d times, want 2", sim.Stalls())
	}
	if err := c.MaybeRepair(); err != nil {
		t.Fatal(err)
	}
	if n := len(sim.Updates()); n != 1 {
		t.Errorf("repair after full update sent %d updates", n)
	}
}

func TestFlashingGrayUpdate(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)

	buf := white(100, 100)
	convert.SetPixel(buf, convert.Stride(100, 4), 4, 50, 50, 0x5)
	if err := c.LoadAndUpdate(buf, 0, 0, 100, 100, KindFlashing); err != nil {
		t.Fatal(err)
	}
	u := lastUpdate(t, sim)
	if u.Op != bscmd.UpdFull || u.Mode != uint8(mustMode(t, "GC")) {
		t.Errorf("update = %+v, want UPD_FULL GC", u)
	}
}

func TestLoadAndUpdateArea(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil, WithRotation(1))
	sim.ClearHistory()

	if err := c.LoadAndUpdate(gray(10, 4), 3, 7, 10, 4, 0); err != nil {
		t.Fatal(err)
	}
	loads := sim.Loads()
	if len(loads) != 1 {
		t.Fatalf("loads = %+v", loads)
	}
	want := transport.LoadRecord{Format: 1<<8 | 2<<4, Rect: image.Rect(3, 7, 13, 11), Words: 10}
	if loads[0] != want {
		t.Errorf("load = %+v, want %+v", loads[0], want)
	}
	u := lastUpdate(t, sim)
	if u.Op != bscmd.UpdPartArea || u.Rect != image.Rect(3, 7, 13, 11) {
		t.Errorf("update = %+v", u)
	}
	if sim.Stalls() != 0 {
		t.Error("non-flashing area update stalled the pipeline")
	}
}

func TestLoadAndUpdateErrors(t *testing.T) {
	sim := newSim(t)
	c := newController(t, sim, nil)
	if err := c.LoadAndUpdate(white(10, 10), 0, 0, 10, 10, 0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("before start: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name       string
		buf        []byte
		x, y, w, h int
	}{
		{"past right edge", white(10, 10), 95, 0, 10, 10},
		{"negative origin", white(10, 10), -1, 0, 10, 10},
		{"empty", nil, 0, 0, 0, 0},
		{"short buffer", white(10, 9), 0, 0, 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := sim.Commands()
			err := c.LoadAndUpdate(tt.buf, tt.x, tt.y, tt.w, tt.h, 0)
			if !errors.Is(err, ErrBadArea) {
				t.Errorf("err = %v, want ErrBadArea", err)
			}
			if sim.Commands() != before {
				t.Error("rejected update touched the bus")
			}
		})
	}
}

func TestRepairCoalesces(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)

	for _, r := range []image.Rectangle{
		image.Rect(0, 0, 10, 10),
		image.Rect(5, 5, 25, 25),
		image.Rect(50, 50, 55, 55),
	} {
		if err := c.LoadAndUpdate(gray(r.Dx(), r.Dy()), r.Min.X, r.Min.Y, r.Dx(), r.Dy(), 0); err != nil {
			t.Fatal(err)
		}
	}
	if got := c.Status().RepairPending; got != 3 {
		t.Fatalf("pending = %d", got)
	}
	sim.ClearHistory()

	if err := c.MaybeRepair(); err != nil {
		t.Fatal(err)
	}
	u := sim.Updates()
	if len(u) != 1 {
		t.Fatalf("repair sent %d updates, want 1", len(u))
	}
	want := transport.UpdateRecord{Op: bscmd.UpdPartArea, Mode: uint8(mustMode(t, "GU")), Rect: image.Rect(0, 0, 55, 55)}
	if u[0] != want {
		t.Errorf("repair = %+v, want %+v", u[0], want)
	}
	if len(sim.Loads()) != 0 {
		t.Error("repair reloaded image data")
	}
	if got := c.Status().RepairPending; got != 0 {
		t.Errorf("pending after repair = %d", got)
	}
}

func TestRepairDefersSingleUpdate(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	if err := c.LoadAndUpdate(gray(10, 10), 0, 0, 10, 10, 0); err != nil {
		t.Fatal(err)
	}
	n := len(sim.Updates())

	if err := c.MaybeRepair(); err != nil {
		t.Fatal(err)
	}
	if len(sim.Updates()) != n {
		t.Fatal("single update repaired without deferral")
	}
	if err := c.MaybeRepair(); err != nil {
		t.Fatal(err)
	}
	if len(sim.Updates()) != n+1 {
		t.Fatal("deferred repair not issued on the second pass")
	}
}

func TestRepairBeforeFlashingArea(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	for i := 0; i < 2; i++ {
		if err := c.LoadAndUpdate(gray(10, 10), i*10, 0, 10, 10, 0); err != nil {
			t.Fatal(err)
		}
	}
	sim.ClearHistory()
	if err := c.LoadAndUpdate(white(10, 10), 60, 60, 10, 10, KindFlashing); err != nil {
		t.Fatal(err)
	}
	u := sim.Updates()
	if len(u) != 2 || u[0].Op != bscmd.UpdPartArea || u[0].Rect != image.Rect(0, 0, 20, 10) || u[1].Op != bscmd.UpdFullArea {
		t.Errorf("updates = %+v", u)
	}
	if c.Status().RepairPending != 0 {
		t.Error("flashing update left repair pending")
	}
}

func TestLoneRepairBeforeFlashingArea(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	if err := c.LoadAndUpdate(gray(10, 10), 0, 0, 10, 10, 0); err != nil {
		t.Fatal(err)
	}
	sim.ClearHistory()
	if err := c.LoadAndUpdate(white(10, 10), 60, 60, 10, 10, KindFlashing); err != nil {
		t.Fatal(err)
	}
	u := sim.Updates()
	if len(u) != 2 || u[0].Op != bscmd.UpdPartArea || u[0].Rect != image.Rect(0, 0, 10, 10) ||
		u[1].Op != bscmd.UpdFullArea || u[1].Rect != image.Rect(60, 60, 70, 70) {
		t.Errorf("updates = %+v", u)
	}
	if c.Status().RepairPending != 0 {
		t.Error("flashing update left repair pending")
	}
}

func TestFailedRepairStaysPending(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	for i := 0; i < 2; i++ {
		if err := c.LoadAndUpdate(gray(10, 10), i*10, 0, 10, 10, 0); err != nil {
			t.Fatal(err)
		}
	}
	sim.ClearHistory()
	sim.FailNext(bscmd.UpdPartArea)

	if err := c.MaybeRepair(); !errors.Is(err, bscmd.ErrHardwareUnresponsive) {
		t.Fatalf("err = %v, want ErrHardwareUnresponsive", err)
	}
	if got := c.Status().RepairPending; got == 0 {
		t.Fatal("failed repair was dropped")
	}

	// Requeued repairs go out on the next pass without deferring.
	if err := c.MaybeRepair(); err != nil {
		t.Fatal(err)
	}
	u := sim.Updates()
	if len(u) != 1 || u[0].Op != bscmd.UpdPartArea || u[0].Rect != image.Rect(0, 0, 20, 10) {
		t.Errorf("updates = %+v", u)
	}
	if c.Status().RepairPending != 0 {
		t.Error("repair still pending")
	}
}

func TestRepairWatchdog(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil, WithRepairDelay(5*time.Millisecond))
	if err := c.LoadAndUpdate(gray(10, 10), 0, 0, 10, 10, 0); err != nil {
		t.Fatal(err)
	}

	// One deferral round, then the repair.
	deadline := time.Now().Add(2 * time.Second)
	for len(sim.Updates()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog never repaired: %+v", sim.Updates())
		}
		time.Sleep(time.Millisecond)
	}
	if c.Status().RepairPending != 0 {
		t.Error("repair still pending")
	}
}

func TestModeOverride(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	gc := mustMode(t, "GC")
	if err := c.SetModeOverride(gc); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadAndUpdate(white(10, 10), 0, 0, 10, 10, 0); err != nil {
		t.Fatal(err)
	}
	if u := lastUpdate(t, sim); u.Mode != uint8(gc) {
		t.Errorf("mode = %d, want GC", u.Mode)
	}
	if err := c.SetModeOverride(9); !errors.Is(err, updmode.ErrBadMode) {
		t.Errorf("bad override: %v", err)
	}
	c.ClearModeOverride()
	if err := c.LoadAndUpdate(white(10, 10), 0, 0, 10, 10, 0); err != nil {
		t.Fatal(err)
	}
	if u := lastUpdate(t, sim); u.Mode != uint8(mustMode(t, "MU")) {
		t.Errorf("mode after clearing override = %d", u.Mode)
	}
}

func TestFastUpdates(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	if err := c.LoadAndUpdate(white(10, 10), 0, 0, 10, 10, KindFast); err != nil {
		t.Fatal(err)
	}
	if u := lastUpdate(t, sim); u.Mode != uint8(mustMode(t, "GU")) {
		t.Errorf("fast mode = %d, want the 4bpp ceiling GU", u.Mode)
	}
}

func TestTemperature(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)

	steps := []struct {
		sensor int8
		want   int8
	}{
		{31, 31},
		{127, 31},
		{-128, 31},
		{-5, 0},
		{60, 50},
		{20, 20},
	}
	for _, s := range steps {
		sim.SetTemperature(s.sensor)
		got, err := c.Temperature()
		if err != nil {
			t.Fatal(err)
		}
		if got != s.want {
			t.Errorf("sensor %d: got %d, want %d", s.sensor, got, s.want)
		}
	}

	// Parked without a PMIC the cached value is returned with no traffic.
	if err := c.SetPowerState(PowerSleep); err != nil {
		t.Fatal(err)
	}
	sim.SetTemperature(40)
	before := sim.Commands()
	if got, _ := c.Temperature(); got != 20 {
		t.Errorf("sleeping temperature = %d, want cached 20", got)
	}
	if sim.Commands() != before {
		t.Error("temperature read woke the controller")
	}
}

func TestTemperatureOverride(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil, WithTemperatureOverride(70))
	if got, _ := c.Temperature(); got != 50 {
		t.Errorf("override = %d, want clipped 50", got)
	}
	if got := sim.Register(bscmd.RegTemperature); got != 50 {
		t.Errorf("temperature register = %d", got)
	}
}

func TestTemperaturePMIC(t *testing.T) {
	sim := newSim(t)
	p := pmic.NewFake(33)
	c := started(t, sim, p)
	if err := c.SetPowerState(PowerStandby); err != nil {
		t.Fatal(err)
	}
	before := len(p.States())

	got, err := c.Temperature()
	if err != nil || got != 33 {
		t.Fatalf("Temperature = %d, %v", got, err)
	}
	states := p.States()[before:]
	if len(states) != 2 || states[0] != pmic.Active || states[1] != pmic.Standby {
		t.Errorf("pmic states during read = %v", states)
	}
	if _, fresh := p.Reads(); fresh == 0 {
		t.Error("no fresh conversion requested")
	}

	p.SetTemperature(-128)
	if got, _ := c.Temperature(); got != 33 {
		t.Errorf("glitch reading = %d, want 33", got)
	}
}

func TestPreflightFailures(t *testing.T) {
	tests := []struct {
		name  string
		opts  []transport.SimOption
		setup func(sim *transport.Sim, img []byte)
		want  PreflightError
	}{
		{"product code", nil, func(sim *transport.Sim, _ []byte) {
			sim.SetRegister(bscmd.RegProductCode, 0x0001)
		}, PreflightHardware},
		{"floating id bits", nil, func(sim *transport.Sim, _ []byte) {
			sim.SetRegister(bscmd.RegIDBits, 0x000F)
		}, PreflightIDBits},
		{"unknown flash", []transport.SimOption{transport.WithSimFlash(0x13)}, nil, PreflightFlashIDUnrecognized},
		{"commands crc", nil, func(sim *transport.Sim, img []byte) {
			img[100] ^= 0xFF
			sim.LoadFlash(0, img)
		}, PreflightCommandsInvalid},
		{"unknown platform", nil, func(sim *transport.Sim, img []byte) {
			hdr := img[waveform.WaveformBase:]
			hdr[0x0D] = 0x7F
			waveform.SealLegacy(hdr)
			sim.LoadFlash(0, img)
		}, PreflightWaveformInvalid},
		{"header checksum", nil, func(sim *transport.Sim, img []byte) {
			img[waveform.WaveformBase+0x1F]++
			sim.LoadFlash(0, img)
		}, PreflightWaveformInvalid},
		{"unsupported mode version", nil, func(sim *transport.Sim, img []byte) {
			hdr := img[waveform.WaveformBase:]
			hdr[0x10] = 0x09
			waveform.SealLegacy(hdr)
			sim.LoadFlash(0, img)
		}, PreflightWaveformInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := transport.NewSim(tt.opts...)
			img := firmwareImage(t, byte(updmode.V00))
			sim.LoadFlash(0, img)
			if tt.setup != nil {
				tt.setup(sim, img)
			}
			c := newController(t, sim, nil)
			err := c.Start()
			if !errors.Is(err, ErrPreflightState) {
				t.Fatalf("Start = %v, want a preflight failure", err)
			}
			var pf PreflightError
			if !errors.As(err, &pf) || pf != tt.want {
				t.Errorf("preflight = %v, want %v", pf.Names(), tt.want.Names())
			}
			if c.PowerState() != PowerInit {
				t.Errorf("power = %s", c.PowerState())
			}
			if got := c.Status().Preflight; len(got) != 1 {
				t.Errorf("status preflight = %v", got)
			}
		})
	}
}

func TestPreflightNotReady(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	if err := c.Preflight(); err != nil {
		t.Fatalf("healthy preflight: %v", err)
	}
	sim.SetReadyError(errors.New("hrdy stuck low"))
	var pf PreflightError
	if err := c.Preflight(); !errors.As(err, &pf) || !pf.Has(PreflightNotReady) {
		t.Errorf("Preflight = %v", err)
	}
}

func TestBusFailureArmsReset(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	sim.FailNext(bscmd.UpdPartArea)

	err := c.LoadAndUpdate(gray(10, 10), 0, 0, 10, 10, 0)
	if !errors.Is(err, bscmd.ErrHardwareUnresponsive) {
		t.Fatalf("err = %v, want ErrHardwareUnresponsive", err)
	}
	recent := c.RecentCommands(bscmd.DefaultFailureDepth)
	if len(recent) != bscmd.DefaultFailureDepth {
		t.Fatalf("recent = %d entries", len(recent))
	}
	if last := recent[len(recent)-1]; last.Op != bscmd.UpdPartArea {
		t.Errorf("last logged command = %s", last.Op)
	}
	st := c.Status()
	if !st.ResetPending || st.Ready {
		t.Errorf("status = %+v, want reset pending and not ready", st)
	}
}

func TestBusFailureRecovers(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil, WithResetDelay(0))
	sim.FailNext(bscmd.LdImgArea)

	if err := c.LoadAndUpdate(gray(10, 10), 0, 0, 10, 10, 0); err == nil {
		t.Fatal("injected failure not reported")
	}
	deadline := time.Now().Add(2 * time.Second)
	for sim.Resets() == 0 || c.Status().ResetPending {
		if time.Now().After(deadline) {
			t.Fatal("hardware reset never ran")
		}
		time.Sleep(time.Millisecond)
	}
	if c.PowerState() != PowerRun || sim.State() != "run" {
		t.Errorf("after reset: power %s, sim %s", c.PowerState(), sim.State())
	}
	if err := c.LoadAndUpdate(gray(10, 10), 0, 0, 10, 10, 0); err != nil {
		t.Errorf("update after recovery: %v", err)
	}
}

func TestWaveformFromSDRAM(t *testing.T) {
	sim := transport.NewSim()
	img := firmwareImage(t, byte(updmode.V03))
	sim.LoadFlash(0, img[:waveform.CommandsSize])
	sim.LoadSDRAM(0x1001, waveformHeader(byte(updmode.V03)))

	c := started(t, sim, nil, WithWaveformSource(SourceSDRAM, 0x1001))
	v, err := c.WaveformVersion()
	if err != nil || v != wantVersion {
		t.Errorf("WaveformVersion = %q, %v", v, err)
	}
	if tbl, _ := c.ModeTable(); tbl.Name != "isis" {
		t.Errorf("mode table = %s", tbl.Name)
	}
	if sim.Count(bscmd.BstRdSdr) == 0 || sim.Count(bscmd.BstRdSdr) != sim.Count(bscmd.BstEndSdr) {
		t.Errorf("unbalanced bursts: %d reads, %d ends", sim.Count(bscmd.BstRdSdr), sim.Count(bscmd.BstEndSdr))
	}
}

func TestFlashReadWrite(t *testing.T) {
	sim := newSim(t)
	c := started(t, sim, nil)
	size, err := c.FlashSize()
	if err != nil || size != 256*1024 {
		t.Fatalf("FlashSize = %d, %v", size, err)
	}
	data := []byte("field update")
	if err := c.FlashWrite(0x20000, data); err != nil {
		t.Fatal(err)
	}
	got, err := c.FlashRead(0x20000, len(data))
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("FlashRead = %q, %v", got, err)
	}
}

func TestParsePowerState(t *testing.T) {
	for _, s := range []PowerState{PowerInit, PowerRun, PowerStandby, PowerSleep, PowerOff, PowerOffScreenClear} {
		got, err := ParsePowerState(s.String())
		if err != nil || got != s {
			t.Errorf("ParsePowerState(%q) = %s, %v", s.String(), got, err)
		}
	}
	if _, err := ParsePowerState("hibernate"); err == nil {
		t.Error("unknown state accepted")
	}
}
