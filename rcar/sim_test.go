package rcar

// Test doubles: a register-level simulation of the controller with a peer
// device behind it, fake reset and DMA providers, and an interrupt pump.
// No Test functions in this file.

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

type regWrite struct {
	reg uint8
	val uint32
}

// simHW models the register block plus the bus behind it. Reading the
// master status register advances the peer model, so the simulation stays
// in lockstep with the driver's event handling. Status registers clear on
// writing zero, like the hardware.
type simHW struct {
	mu   sync.Mutex
	regs [16]uint32

	// peer device
	present map[uint16]bool // addresses that ACK; nil means all ACK
	rxData  []byte          // bytes the peer answers on reads
	rxIdx   int
	slaveIn []byte // bytes an external master sends in target mode

	// wire trace
	dataOut  []byte // payload bytes the driver shifted out
	slaveOut []byte // bytes written to the data port in target mode
	addrLog  []uint32
	writes   []regWrite
	starts, repStarts, stops int
	swStops  int // stop phases explicitly programmed by the driver

	// bus engine state
	busActive    bool
	read         bool
	addrAcked    bool
	startPending bool
	nackStop     bool
	stopReq      bool
	stopAfter    int
	repReq       bool
	repAfter     int

	// fault injection
	malAt     int // raise arbitration loss once this many bytes went out
	malRaised bool
	stuckSDA  bool // SDA held low by a stuck peer
}

func newSim() *simHW {
	return &simHW{malAt: -1}
}

func (s *simHW) Read(reg uint8) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch reg {
	case ICMSR:
		s.advance()
	case ICMCR:
		v := s.regs[ICMCR/4]
		if s.stuckSDA {
			v |= FSDA
		}
		return v
	case ICRXTX:
		if s.busActive && s.read && s.rxIdx < len(s.rxData) {
			b := s.rxData[s.rxIdx]
			s.rxIdx++
			return uint32(b)
		}
		// target mode: a byte is only there while SDR is lit, the dummy
		// read during the address phase sees junk
		if s.regs[ICSSR/4]&SDR != 0 && len(s.slaveIn) > 0 {
			b := s.slaveIn[0]
			s.slaveIn = s.slaveIn[1:]
			return uint32(b)
		}
		return 0
	}
	return s.regs[reg/4]
}

func (s *simHW) Write(reg uint8, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, regWrite{reg, v})
	switch reg {
	case ICMSR, ICSSR:
		s.regs[reg/4] &= v
	case ICMCR:
		s.regs[ICMCR/4] = v
		if v&FSB != 0 && !s.stopReq {
			s.swStops++
			s.stopReq = true
			s.stopAfter = s.rxIdx + 1
		}
		if v&ESG != 0 {
			if s.busActive && s.read {
				// repeated start queued behind the byte in flight
				s.repReq = true
				s.repAfter = s.rxIdx + 1
			} else {
				// a fresh start discards leftover engine state from an
				// aborted transaction
				s.startPending = true
				s.nackStop = false
				s.stopReq = false
				s.repReq = false
			}
		}
	case ICRXTX:
		if s.busActive && !s.read {
			s.dataOut = append(s.dataOut, byte(v))
		} else {
			s.slaveOut = append(s.slaveOut, byte(v))
		}
	default:
		s.regs[reg/4] = v
	}
}

// advance moves the bus engine one step if the driver consumed the
// previous event. Runs with s.mu held.
func (s *simHW) advance() {
	if s.startPending {
		s.startPending = false
		s.addressPhase()
		return
	}
	if s.nackStop {
		s.nackStop = false
		s.regs[ICMSR/4] |= MST
		s.stops++
		s.busActive = false
		return
	}
	if !s.busActive || !s.addrAcked {
		return
	}
	if s.regs[ICDMAER/4] != 0 {
		return // DMA owns the data phase
	}

	if s.read {
		if s.regs[ICMSR/4]&MDR != 0 {
			return
		}
		if s.stopReq && s.rxIdx >= s.stopAfter {
			s.stopReq = false
			s.regs[ICMSR/4] |= MST
			s.stops++
			s.busActive = false
			return
		}
		if s.repReq && s.rxIdx >= s.repAfter {
			s.repReq = false
			s.addressPhase()
			return
		}
		if s.rxIdx < len(s.rxData) {
			s.regs[ICMSR/4] |= MDR
		}
		return
	}

	if s.regs[ICMSR/4]&MDE != 0 {
		return
	}
	if s.malAt >= 0 && !s.malRaised && len(s.dataOut) >= s.malAt {
		s.malRaised = true
		s.busActive = false
		s.regs[ICMSR/4] |= MAL
		return
	}
	if s.stopReq {
		s.stopReq = false
		s.regs[ICMSR/4] |= MST
		s.stops++
		s.busActive = false
		return
	}
	s.regs[ICMSR/4] |= MDE
}

// addressPhase puts the byte in ICMAR on the wire.
func (s *simHW) addressPhase() {
	addr := s.regs[ICMAR/4]
	s.addrLog = append(s.addrLog, addr)
	if s.busActive {
		s.repStarts++
	} else {
		s.starts++
		s.busActive = true
	}
	s.read = addr&1 != 0
	s.addrAcked = s.present == nil || s.present[uint16(addr>>1)]
	if !s.addrAcked {
		s.regs[ICMSR/4] |= MNR
		s.nackStop = true // the hardware stops on its own after a NACK
		return
	}
	if s.read {
		s.regs[ICMSR/4] |= MAT | MDR
	} else {
		s.regs[ICMSR/4] |= MAT | MDE
	}
}

func (s *simHW) irqPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.regs[ICMSR/4]&s.regs[ICMIER/4] != 0
}

// writesAfterLastData returns the register writes that happened after the
// last data port write.
func (s *simHW) writesAfterLastData() []regWrite {
	last := -1
	for i, w := range s.writes {
		if w.reg == ICRXTX {
			last = i
		}
	}
	return s.writes[last+1:]
}

func (s *simHW) countWrites(reg uint8, val uint32) int {
	n := 0
	for _, w := range s.writes {
		if w.reg == reg && w.val == val {
			n++
		}
	}
	return n
}

// pump services controller interrupts from a second goroutine, standing in
// for the platform's interrupt dispatch. The returned func stops it.
func pump(ctl *Controller, s *simHW, eng *fakeEngine) func() {
	var stopped atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for !stopped.Load() {
			if eng != nil {
				eng.step(s)
			}
			if s.irqPending() {
				ctl.ServiceInterrupt()
			}
			runtime.Gosched()
		}
	}()
	return func() {
		stopped.Store(true)
		<-done
	}
}

type fakeReset struct {
	resets  int
	fail    bool
	busyFor int
}

func (r *fakeReset) Reset() error {
	r.resets++
	if r.fail {
		return errors.New("stuck")
	}
	return nil
}

func (r *fakeReset) Busy() bool {
	if r.busyFor > 0 {
		r.busyFor--
		return true
	}
	return false
}

// fakeChannel records submissions; fakeEngine plays the DMA engine and
// moves the data when the controller has its request enable set.
type fakeChannel struct {
	dir        DMADirection
	submits    [][]byte
	failSubmit bool
	stall      bool
	terminated bool
	released   bool

	mu      sync.Mutex
	pending []byte
	done    func()
}

func (f *fakeChannel) Submit(buf []byte, done func()) error {
	if f.failSubmit {
		return errors.New("no descriptor")
	}
	f.mu.Lock()
	f.submits = append(f.submits, buf)
	f.pending = buf
	f.done = done
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Terminate() {
	f.mu.Lock()
	f.terminated = true
	f.pending = nil
	f.mu.Unlock()
}

func (f *fakeChannel) Release() { f.released = true }

type fakeEngine struct {
	tx, rx *fakeChannel
}

func (e *fakeEngine) RequestChannel(dir DMADirection) (DMAChannel, error) {
	if dir == DMAToDevice {
		if e.tx == nil {
			return nil, errors.New("no channel")
		}
		return e.tx, nil
	}
	if e.rx == nil {
		return nil, errors.New("no channel")
	}
	return e.rx, nil
}

// step completes at most one pending DMA transfer whose request enable is
// set, calling the completion callback like the channel interrupt would.
func (e *fakeEngine) step(s *simHW) {
	for _, ch := range []*fakeChannel{e.tx, e.rx} {
		if ch == nil || ch.stall {
			continue
		}
		ch.mu.Lock()
		buf, done := ch.pending, ch.done
		ch.mu.Unlock()
		if buf == nil {
			continue
		}

		s.mu.Lock()
		enabled := s.regs[ICDMAER/4]
		if ch.dir == DMAToDevice && enabled&TMDMAE != 0 {
			s.dataOut = append(s.dataOut, buf...)
		} else if ch.dir == DMAFromDevice && enabled&RMDMAE != 0 {
			n := copy(buf, s.rxData[s.rxIdx:])
			s.rxIdx += n
		} else {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		ch.mu.Lock()
		ch.pending = nil
		ch.mu.Unlock()
		done()
	}
}

type stubRecovery struct {
	called bool
	fail   bool
	sim    *simHW
}

func (r *stubRecovery) Recover(lines LineControl) error {
	r.called = true
	if r.fail {
		return errors.New("still stuck")
	}
	lines.SetSDA(true)
	lines.SetSCL(false)
	lines.SetSCL(true)
	r.sim.stuckSDA = false
	return nil
}

func newTestController(t *testing.T, gen Generation, s *simHW, mod func(*Config)) *Controller {
	t.Helper()
	ctl := New(s, gen)
	cfg := Config{
		RefClockHz: 133_000_000,
		Timeout:    testTimeout,
	}
	if gen >= Gen3 {
		cfg.Reset = &fakeReset{}
	}
	if mod != nil {
		mod(&cfg)
	}
	if err := ctl.Configure(cfg); err != nil {
		t.Fatal("configure:", err)
	}
	return ctl
}
