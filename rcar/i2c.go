// Package rcar implements the I2C controller core found in Renesas R-Car
// SoCs: a byte-oriented, interrupt-signalled bus engine with optional DMA
// offload for bulk data and a target (responder) mode for being addressed
// by another bus master.
//
// The hardware-independent core in this package compiles and tests on any
// platform; the memory-mapped register binding behind the RegisterBlock
// interface is only built for tinygo targets (see mmio.go).
//
// Interrupt wiring is the platform's job: register ServiceInterrupt with
// the controller's interrupt line, or use TransferAtomic to poll without
// interrupts from contexts that must not sleep.
package rcar

import (
	"errors"
	"time"
)

// Register byte offsets into the controller's register block.
const (
	ICSCR   = 0x00 // slave control
	ICMCR   = 0x04 // master control
	ICSSR   = 0x08 // slave status
	ICMSR   = 0x0C // master status
	ICSIER  = 0x10 // slave interrupt enable
	ICMIER  = 0x14 // master interrupt enable
	ICCCR   = 0x18 // clock dividers
	ICSAR   = 0x1C // slave address
	ICMAR   = 0x20 // master address
	ICRXTX  = 0x24 // data port
	ICCCR2  = 0x28 // clock control 2
	ICMPR   = 0x2C // SCL mask control
	ICHPR   = 0x30 // SCL HIGH control
	ICLPR   = 0x34 // SCL LOW control
	ICFBSCR = 0x38 // first bit setup cycle (Gen3+)
	ICDMAER = 0x3C // DMA enable (Gen3+)
)

// ICSCR bits.
const (
	SDBS = 1 << 3 // slave data buffer select
	SIE  = 1 << 2 // slave interface enable
	GCAE = 1 << 1 // general call address enable
	FNA  = 1 << 0 // forced non acknowledgment
)

// ICMCR bits.
const (
	MDBS = 1 << 7 // non-fifo mode switch
	FSCL = 1 << 6 // override SCL pin
	FSDA = 1 << 5 // override SDA pin
	OBPC = 1 << 4 // override pins
	MIE  = 1 << 3 // master if enable
	TSBE = 1 << 2
	FSB  = 1 << 1 // force stop bit
	ESG  = 1 << 0 // enable start bit gen
)

// ICSSR bits (also for ICSIER).
const (
	GCAR = 1 << 6 // general call received
	STM  = 1 << 5 // slave transmit mode
	SSR  = 1 << 4 // stop received
	SDE  = 1 << 3 // slave data empty
	SDT  = 1 << 2 // slave data transmitted
	SDR  = 1 << 1 // slave data received
	SAR  = 1 << 0 // slave addr received
)

// ICMSR bits (also for ICMIER).
const (
	MNR = 1 << 6 // nack received
	MAL = 1 << 5 // arbitration lost
	MST = 1 << 4 // sent a stop
	MDE = 1 << 3 // data empty
	MDT = 1 << 2 // data transmitted
	MDR = 1 << 1 // data received
	MAT = 1 << 0 // slave addr xfer done
)

// ICDMAER bits.
const (
	RSDMAE = 1 << 3 // DMA slave received enable
	TSDMAE = 1 << 2 // DMA slave transmitted enable
	RMDMAE = 1 << 1 // DMA master received enable
	TMDMAE = 1 << 0 // DMA master transmitted enable
)

// ICCCR2 bits.
const (
	FMPE = 1 << 7 // fast mode plus enable
	CDFD = 1 << 2 // CDF disable
	HLSE = 1 << 1 // HIGH/LOW separate control enable
	SME  = 1 << 0 // SCL mask enable
)

// ICFBSCR: 17*Tcyc delay of the first bit between SDA and SCL.
const TCYC17 = 0x0F

// Bus phase words for ICMCR.
const (
	busPhaseStart = MDBS | MIE | ESG
	busPhaseData  = MDBS | MIE
	busPhaseStop  = MDBS | MIE | FSB
)

// Interrupt masks for ICMIER.
const (
	irqSendMask = MNR | MAL | MST | MAT | MDE
	irqRecvMask = MNR | MAL | MST | MAT | MDR
	irqStopMask = MST
)

// BlockMax is the longest payload of a length-prefixed block transfer.
const BlockMax = 32

// Controller errors.
var (
	ErrBusBusy         = errors.New("i2c: bus busy and recovery failed")
	ErrNACK            = errors.New("i2c: no acknowledge received")
	ErrArbitrationLost = errors.New("i2c: arbitration lost")
	ErrProtocol        = errors.New("i2c: invalid block length byte")
	ErrTimeout         = errors.New("i2c: transfer timed out")
	ErrResetFailed     = errors.New("i2c: controller reset did not complete")
	ErrTargetActive    = errors.New("i2c: target registration active")
	ErrTargetBusy      = errors.New("i2c: target already registered")
	ErrNoTarget        = errors.New("i2c: no target registered")
	ErrTenBitAddress   = errors.New("i2c: 10-bit addresses not supported")
	ErrZeroLength      = errors.New("i2c: zero-length messages not supported")
	ErrInvalidMessage  = errors.New("i2c: message buffer unsuitable")
	ErrClockRange      = errors.New("i2c: no SCL divider for clock rate")
	ErrNeedsReset      = errors.New("i2c: generation requires a reset line")
)

const (
	badGeneration = "i2c: invalid controller generation"
	badTarget     = "i2c: nil target handler"
)

// Generation selects the controller variant. It decides the interrupt
// front-end ordering, the clock formula family and the DMA restrictions.
// The zero value is invalid.
type Generation uint8

const (
	Gen1 Generation = iota + 1
	Gen2
	Gen3
	Gen4
)

// RegisterBlock is the register-level access contract of the controller.
// It is implemented by MMIO on tinygo targets and by simulations in tests.
type RegisterBlock interface {
	Read(reg uint8) uint32
	Write(reg uint8, v uint32)
}

// persistent configuration state, survives across transfers
type configFlags uint8

const (
	cfgFastModePlus configFlags = 1 << iota
	cfgMaySleep                 // transfer may block; interrupt-driven mode
	cfgHostNotify
	cfgNoRXDMA // HW forbids a second RXDMA within one transfer
	cfgPMBlocked
)

// per-transfer state, cleared whenever a new message begins
type statusFlags uint8

const (
	stLastMsg statusFlags = 1 << iota
	stRepAfterRead
	stDone
	stArbLost
	stNACK
	stProtoErr
)

// MsgFlags describe a single message.
type MsgFlags uint8

const (
	// MsgRead marks a receive message; the default is transmit.
	MsgRead MsgFlags = 1 << iota
	// MsgRecvLen marks a length-prefixed receive: the first received byte
	// declares how many payload bytes follow. Buf needs spare capacity of
	// at least BlockMax beyond its length.
	MsgRecvLen
	// MsgDMASafe marks Buf as usable by a DMA engine.
	MsgDMASafe
)

// Message is one addressed read or write within a transfer.
type Message struct {
	Addr  uint16
	Flags MsgFlags
	Buf   []byte
}

func (m *Message) read() bool { return m.Flags&MsgRead != 0 }

// addrByte returns the 8-bit wire form: 7-bit address plus direction bit.
func (m *Message) addrByte() uint32 {
	b := uint32(m.Addr) << 1
	if m.read() {
		b |= 1
	}
	return b
}

// Feature bits reported by Features.
type Feature uint16

const (
	FeatureI2C Feature = 1 << iota
	FeatureTarget
	FeatureSMBusEmulated
	FeatureHostNotify
)

// DefaultTimeout bounds a single message when Config.Timeout is zero.
const DefaultTimeout = 100 * time.Millisecond

// Config holds the controller configuration applied by Configure.
type Config struct {
	// RefClockHz is the peripheral clock feeding the dividers. Required.
	RefClockHz uint32
	// Frequency is the requested bus frequency. The resulting frequency is
	// always at or below the request. Defaults to StandardModeFrequency.
	Frequency uint32
	// Line timing in nanoseconds. Defaults: fall 35, rise 200, delay 50.
	FallNs, RiseNs, InternalDelayNs uint32
	// Timeout bounds one message; a transfer of n messages may take n times
	// as long. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Recovery is consulted when the bus stays busy past Timeout. Optional.
	Recovery BusRecoverer
	// Reset pulses the module reset line. Required on Gen3+ which needs a
	// reset before every transfer.
	Reset ResetLine
	// DMA hands out channels for bulk transfers. Optional; without it all
	// data moves byte-wise.
	DMA DMARequester
	// HostNotify advertises SMBus Host Notify support. Forced off on Gen3+
	// because the per-transfer hard reset disturbs the local target.
	HostNotify bool
	// MultiMaster keeps the controller permanently active so arbitration
	// keeps working while other masters drive the bus.
	MultiMaster bool
}

// ResetLine controls the module reset of the controller.
type ResetLine interface {
	// Reset pulses the reset line.
	Reset() error
	// Busy reports whether the reset is still propagating.
	Busy() bool
}

// BusRecoverer frees a stuck bus by driving the lines directly, typically
// by pulsing SCL until the blocking target releases SDA.
type BusRecoverer interface {
	Recover(lines LineControl) error
}

// LineControl exposes direct control of the two bus lines through the pin
// override bits of the master control register. The Controller implements
// it for use by a BusRecoverer.
type LineControl interface {
	SCL() bool
	SetSCL(level bool)
	SetSDA(level bool)
	BusFree() bool
}

// Controller drives one I2C controller instance.
//
// The transient transfer state below has a single writer while a transfer
// is in flight: the interrupt path. The waiting side only reads the
// completion signal. There is deliberately no lock between the two, see
// the comment on ServiceInterrupt.
type Controller struct {
	hw  RegisterBlock
	gen Generation
	cfg Config

	config configFlags // persistent across transfers
	status statusFlags // transient, owned by the interrupt path

	msgs     []Message
	msgIdx   int
	msgsLeft int
	pos      int
	buf      []byte // current message buffer at full capacity
	msgLen   int    // may grow for length-prefixed receives

	// cached clock settings, computed once by Configure
	icccr      uint32
	schd, scld uint16
	smd        uint8
	scl        uint32 // resulting bus frequency

	recoveryMCR uint32

	dmaTX, dmaRX DMAChannel
	dmaDir       DMADirection
	dmaLen       int

	done chan struct{}
	isr  func(*Controller) bool

	target     Target
	targetNACK bool
}

// New returns a controller for the register block of the given generation.
// Configure must be called before use.
func New(hw RegisterBlock, gen Generation) *Controller {
	if gen < Gen1 || gen > Gen4 {
		panic(badGeneration)
	}
	return &Controller{
		hw:   hw,
		gen:  gen,
		done: make(chan struct{}, 1),
	}
}

// Configure computes the clock dividers for the requested bus frequency and
// brings the hardware to a known state.
func (c *Controller) Configure(cfg Config) error {
	if cfg.Frequency == 0 {
		cfg.Frequency = StandardModeFrequency
	}
	if cfg.FallNs == 0 {
		cfg.FallNs = 35
	}
	if cfg.RiseNs == 0 {
		cfg.RiseNs = 200
	}
	if cfg.InternalDelayNs == 0 {
		cfg.InternalDelayNs = 50
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RefClockHz == 0 {
		return ErrClockRange
	}
	if c.gen >= Gen3 && cfg.Reset == nil {
		return ErrNeedsReset
	}
	c.cfg = cfg

	c.config = 0
	if cfg.HostNotify {
		c.config |= cfgHostNotify
	}
	if cfg.MultiMaster {
		c.config |= cfgPMBlocked
	}

	if err := c.calcClock(); err != nil {
		return err
	}

	if c.gen < Gen3 {
		c.isr = (*Controller).gen2IRQ
	} else {
		c.isr = (*Controller).gen3IRQ
		// The hard reset before every transfer disturbs the HostNotify
		// local target, so it stays disabled.
		c.config &^= cfgHostNotify
	}

	c.initHW()
	c.resetTarget()
	return nil
}

// Close releases lazily acquired DMA channels.
func (c *Controller) Close() {
	if c.dmaTX != nil {
		c.dmaTX.Release()
		c.dmaTX = nil
	}
	if c.dmaRX != nil {
		c.dmaRX.Release()
		c.dmaRX = nil
	}
}

// BusFrequency returns the resulting bus frequency computed by Configure.
// It is at or below the requested frequency.
func (c *Controller) BusFrequency() uint32 { return c.scl }

// Features reports the protocol features this controller supports.
//
// The hardware cannot do zero-length transfers (setting FSB during START
// does not work), cannot suppress the address after START, and cannot
// ignore a NACK since it sends STOP automatically. None of those are ever
// advertised and zero-length messages are rejected at submission.
func (c *Controller) Features() Feature {
	f := FeatureI2C | FeatureTarget | FeatureSMBusEmulated
	if c.config&cfgHostNotify != 0 {
		f |= FeatureHostNotify
	}
	return f
}

// initHW brings the master interface and the clock into a known state.
func (c *Controller) initHW() {
	// reset master mode
	c.hw.Write(ICMIER, 0)
	c.hw.Write(ICMCR, MDBS)
	c.hw.Write(ICMSR, 0)
	// start clock
	if c.gen < Gen3 {
		c.hw.Write(ICCCR, c.icccr)
	} else {
		ccr2 := uint32(CDFD | HLSE | SME)
		if c.config&cfgFastModePlus != 0 {
			ccr2 |= FMPE
		}
		c.hw.Write(ICCCR2, ccr2)
		c.hw.Write(ICCCR, c.icccr)
		c.hw.Write(ICMPR, uint32(c.smd))
		c.hw.Write(ICHPR, uint32(c.schd))
		c.hw.Write(ICLPR, uint32(c.scld))
		c.hw.Write(ICFBSCR, TCYC17)
	}
}

// resetTarget quiesces the slave interface.
func (c *Controller) resetTarget() {
	c.hw.Write(ICSIER, 0)
	c.hw.Write(ICSSR, 0)
	c.hw.Write(ICSCR, SDBS)
	c.hw.Write(ICSAR, 0) // Gen2: must be 0 when no target is in use
}

func divRoundUp(n, d int64) int64 { return (n + d - 1) / d }

func divRoundClosest(n, d int64) int64 { return (n + d/2) / d }
