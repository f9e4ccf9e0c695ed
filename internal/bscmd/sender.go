package bscmd

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appLog "epdhal/internal/log"
)

// Transport is the bus capability the protocol layer drives. It is provided
// by the parallel/SPI host interface (or a simulator) and is never called
// concurrently by a Sender.
type Transport interface {
	// WriteCommand writes the opcode word. When poll is true the transport
	// waits for HRDY before returning.
	WriteCommand(op Opcode, poll bool) error
	// WriteData writes argument or bulk words.
	WriteData(kind DataKind, words []uint16) error
	// ReadData fills words from the controller.
	ReadData(words []uint16) error
	// WaitForReady blocks until the controller reports ready or the
	// transport's own bounded timeout expires.
	WaitForReady() error
}

// Resetter is implemented by transports that can pulse the controller's
// hardware reset line.
type Resetter interface {
	Reset() error
}

const (
	DefaultLogSize      = 32
	DefaultFailureDepth = 5
)

// Sender serializes command blocks onto a Transport. It is owned by a single
// controller and is not safe for concurrent Send calls; the ready and reset
// flags may be read from any goroutine.
type Sender struct {
	t    Transport
	ring *Ring

	failureDepth int
	ignoreReady  atomic.Bool
	ready        atomic.Bool

	resetPending atomic.Bool
	resetDelay   time.Duration
	resetHook    func()
	resetMu      sync.Mutex
	resetTimer   *time.Timer

	gate   func(Opcode) error
	inGate bool
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithLogSize sets the diagnostic ring capacity.
func WithLogSize(n int) SenderOption {
	return func(s *Sender) {
		if n > 0 {
			s.ring = NewRing(n)
		}
	}
}

// WithFailureDepth sets how many recent commands are dumped on failure.
func WithFailureDepth(k int) SenderOption {
	return func(s *Sender) {
		if k > 0 {
			s.failureDepth = k
		}
	}
}

// WithResetHook arms fn to run delay after a transport failure. fn runs on
// its own goroutine.
func WithResetHook(delay time.Duration, fn func()) SenderOption {
	return func(s *Sender) {
		s.resetDelay = delay
		s.resetHook = fn
	}
}

// WithIgnoreReady starts the sender in bootstrap mode.
func WithIgnoreReady(ignore bool) SenderOption {
	return func(s *Sender) {
		s.ignoreReady.Store(ignore)
	}
}

func NewSender(t Transport, opts ...SenderOption) *Sender {
	s := &Sender{
		t:            t,
		ring:         NewRing(DefaultLogSize),
		failureDepth: DefaultFailureDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ready.Store(true)
	return s
}

// SetGate installs fn to run before every block is sent. Blocks sent from
// inside fn bypass it.
func (s *Sender) SetGate(fn func(Opcode) error) { s.gate = fn }

// SetIgnoreReady toggles bootstrap mode, where the ready wait is skipped.
func (s *Sender) SetIgnoreReady(ignore bool) { s.ignoreReady.Store(ignore) }

// Ready reports whether the last transaction succeeded.
func (s *Sender) Ready() bool { return s.ready.Load() }

// ResetPending reports whether a failure has requested a hardware reset
// that has not been cleared yet.
func (s *Sender) ResetPending() bool { return s.resetPending.Load() }

// ClearReset acknowledges a completed reset and disarms the watchdog.
func (s *Sender) ClearReset() {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
	s.resetPending.Store(false)
	s.ready.Store(true)
}

// Recent returns up to k of the most recently sent blocks, oldest first.
func (s *Sender) Recent(k int) []LogEntry { return s.ring.Recent(k) }

// Send transmits b: ready wait, opcode (with polling for opcodes that need
// it), arguments, the optional sub-command, then the bulk data phase.
func (s *Sender) Send(b *Block) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("bscmd: %w", err)
	}

	if s.gate != nil && !s.inGate {
		s.inGate = true
		err := s.gate(b.Op)
		s.inGate = false
		if err != nil {
			return err
		}
	}

	if !s.ignoreReady.Load() {
		if err := s.t.WaitForReady(); err != nil {
			return s.fail(b.Op, err)
		}
	}

	s.ring.Add(b)
	if err := s.send(b); err != nil {
		return err
	}
	s.ready.Store(true)
	return nil
}

func (s *Sender) send(b *Block) error {
	if err := s.t.WriteCommand(b.Op, b.Op.Polls()); err != nil {
		return s.fail(b.Op, err)
	}
	if len(b.Args) > 0 {
		if err := s.t.WriteData(DataArgs, b.Args); err != nil {
			return s.fail(b.Op, err)
		}
	}
	if b.Sub != nil {
		// Validate guarantees b.Sub has no sub-command of its own.
		if err := s.send(b.Sub); err != nil {
			return err
		}
	}
	if len(b.Data) == 0 {
		return nil
	}
	var err error
	if b.Type == Read {
		err = s.t.ReadData(b.Data)
	} else {
		err = s.t.WriteData(DataBulk, b.Data)
	}
	if err != nil {
		return s.fail(b.Op, err)
	}
	return nil
}

func (s *Sender) fail(op Opcode, err error) error {
	s.ready.Store(false)

	recent := s.ring.Recent(s.failureDepth)
	appLog.Error("controller command failed", err, "cmd", op, "recent", len(recent))
	for _, e := range recent {
		appLog.Warn("recent command", "entry", e.String())
	}

	s.armReset()
	return &ProtocolError{Op: op, Err: err}
}

func (s *Sender) armReset() {
	if s.resetPending.Swap(true) {
		return
	}
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	if s.resetHook == nil {
		return
	}
	appLog.Warn("hardware reset requested", "delay", s.resetDelay)
	s.resetTimer = time.AfterFunc(s.resetDelay, s.resetHook)
}

// Run sends a write command with the given arguments.
func (s *Sender) Run(op Opcode, args ...uint16) error {
	return s.Send(Cmd(op, args...))
}

// ReadReg reads one controller register.
func (s *Sender) ReadReg(reg uint16) (uint16, error) {
	b := &Block{Op: RdReg, Type: Read, Args: []uint16{reg}, Data: make([]uint16, 1)}
	if err := s.Send(b); err != nil {
		return 0, err
	}
	return b.Data[0], nil
}

// WriteReg writes one controller register.
func (s *Sender) WriteReg(reg, val uint16) error {
	return s.Run(WrReg, reg, val)
}
