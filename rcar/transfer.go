package rcar

import (
	"runtime"
	"time"
)

// Transfer runs the messages as one bus transaction with repeated starts
// between them and returns how many of them completed. On error the count
// is 0 and the transaction was aborted at the failing message.
//
// Transfer blocks until the interrupt path signals completion, so it needs
// ServiceInterrupt wired to the controller's interrupt line. Use
// TransferAtomic when interrupts are unavailable or sleeping is forbidden.
func (c *Controller) Transfer(msgs []Message) (int, error) {
	if err := validateMessages(msgs); err != nil {
		return 0, err
	}
	c.config |= cfgMaySleep

	// Check bus state before init, otherwise the busy information is lost.
	if err := c.busBarrier(); err != nil {
		return 0, c.failure(err)
	}

	// Gen3+ needs a reset before every transfer. It also re-allows one
	// receive DMA.
	if c.gen >= Gen3 {
		if err := c.doReset(); err != nil {
			return 0, c.failure(err)
		}
		c.config &^= cfgNoRXDMA
	}

	c.initHW()
	for i := range msgs {
		c.requestDMA(&msgs[i])
	}

	// drain a stale completion from an earlier timed out transfer
	select {
	case <-c.done:
	default:
	}
	c.firstMessage(msgs)

	timedOut := false
	select {
	case <-c.done:
	case <-time.After(time.Duration(len(msgs)) * c.cfg.Timeout):
		timedOut = true
	}

	// cleanup DMA if it couldn't complete properly due to an error
	if c.dmaDir != dmaNone {
		c.cleanupDMA(true)
	}

	return c.result(timedOut)
}

// TransferAtomic is Transfer for contexts that must not sleep. It polls the
// status register under a deadline and runs the same event handling inline.
// DMA is never used in this mode.
func (c *Controller) TransferAtomic(msgs []Message) (int, error) {
	if err := validateMessages(msgs); err != nil {
		return 0, err
	}
	c.config &^= cfgMaySleep

	if err := c.busBarrier(); err != nil {
		return 0, c.failure(err)
	}

	c.initHW()
	c.firstMessage(msgs)

	deadline := time.Now().Add(time.Duration(len(msgs)) * c.cfg.Timeout)
	timedOut := false
	for c.status&stDone == 0 {
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		mask := uint32(irqSendMask)
		if c.msg().read() {
			mask = irqRecvMask
		}
		if c.hw.Read(ICMSR)&mask != 0 {
			c.isr(c)
		}
		runtime.Gosched()
	}

	return c.result(timedOut)
}

// ServiceInterrupt is the controller's interrupt entry. It handles one
// interrupt and reports whether the interrupt belonged to this controller.
//
// The transfer state it mutates has no lock: while a transfer is in flight
// this path is its only writer, and completion is handed to the waiter over
// a channel. Callers must not run it concurrently with itself.
func (c *Controller) ServiceInterrupt() bool {
	return c.isr(c)
}

// Gen2 and earlier: a repeated start or stop must be requested as early as
// possible, so the data phase word is written before reading the status.
func (c *Controller) gen2IRQ() bool {
	// Clearing the START/STOP generation bit must be done this early,
	// except when a repeated start follows a read: then the ICMCR write
	// is skipped entirely until the next message is prepared.
	if c.status&stRepAfterRead == 0 {
		c.hw.Write(ICMCR, busPhaseData)
	}

	msr := c.hw.Read(ICMSR)
	if c.config&cfgMaySleep != 0 {
		msr &= c.hw.Read(ICMIER)
	}
	return c.irq(msr)
}

// Gen3+: only clear the START/STOP generation when the interrupt was really
// ours, otherwise target-mode events would lose bus phase control.
func (c *Controller) gen3IRQ() bool {
	msr := c.hw.Read(ICMSR)
	if c.config&cfgMaySleep != 0 {
		msr &= c.hw.Read(ICMIER)
	}
	if msr != 0 && c.status&stRepAfterRead == 0 {
		c.hw.Write(ICMCR, busPhaseData)
	}
	return c.irq(msr)
}

func (c *Controller) irq(msr uint32) bool {
	if msr == 0 {
		return c.targetIRQ()
	}

	switch {
	case msr&MAL != 0:
		// arbitration lost, no further register access for this message
		c.status |= stDone | stArbLost
	case msr&MNR != 0:
		// external NACK, the hardware sends STOP by itself
		if c.config&cfgMaySleep != 0 {
			// finish on the STOP event
			c.hw.Write(ICMIER, irqStopMask)
		} else {
			// the polled loop would keep seeing MNR ahead of the stop
			// event, so finish right away
			c.status |= stDone
		}
		c.status |= stNACK
	case msr&MST != 0:
		c.msgsLeft-- // the last message also made it
		c.status |= stDone
	default:
		if c.msg().read() {
			c.irqRecv(msr)
		} else {
			c.irqSend(msr)
		}
	}

	if c.status&stDone != 0 {
		c.hw.Write(ICMIER, 0)
		c.hw.Write(ICMSR, 0)
		if c.config&cfgMaySleep != 0 {
			c.complete()
		}
	}
	return true
}

func (c *Controller) irqSend(msr uint32) {
	clear := uint32(MDE)

	// FIXME: sometimes MDE is lit up without a cause
	if msr&MDE == 0 {
		println("i2c: spurious send interrupt")
		return
	}
	if msr&MAT != 0 {
		clear |= MAT
	}

	// The first byte is on the wire, check if DMA can take over from here.
	if c.pos == 1 && c.dmaOffload() {
		return
	}

	if c.pos < c.msgLen {
		// Byte is transmitted via ICRXTX, so write a byte there and the
		// controller shifts it out.
		c.hw.Write(ICRXTX, uint32(c.buf[c.pos]))
		c.pos++
	} else {
		// The last data was already written to ICRXTX on the previous
		// empty interrupt and is draining through the shifter now.
		if c.status&stLastMsg != 0 {
			c.hw.Write(ICMCR, busPhaseStop)
		} else {
			c.nextMessage()
		}
	}

	c.clearIRQ(clear)
}

func (c *Controller) irqRecv(msr uint32) {
	m := c.msg()
	lenSettling := c.pos == 0 && m.Flags&MsgRecvLen != 0
	clear := uint32(MDR)

	if msr&MDR == 0 {
		return
	}

	switch {
	case msr&MAT != 0:
		clear |= MAT
		// Address phase done, no data yet. DMA may take the data phase.
		c.dmaOffload()
	case c.pos < c.msgLen:
		data := byte(c.hw.Read(ICRXTX))
		c.buf[c.pos] = data
		c.pos++
		if lenSettling {
			if data == 0 || data > BlockMax {
				c.status |= stDone | stProtoErr
				return
			}
			c.msgLen += int(data)
			// enough data for DMA now that the length is known?
			if c.dmaOffload() {
				return
			}
			lenSettling = false
		}
	}

	// If the message length is settled and the next byte is the last one,
	// the following bus phase must be chosen now: the byte after the next
	// one belongs to STOP or to the repeated start already.
	if c.pos+1 == c.msgLen && !lenSettling {
		if c.status&stLastMsg != 0 {
			c.hw.Write(ICMCR, busPhaseStop)
		} else {
			c.hw.Write(ICMCR, busPhaseStart)
			c.status |= stRepAfterRead
		}
	}

	if c.pos == c.msgLen && c.status&stLastMsg == 0 {
		c.nextMessage()
	}

	c.clearIRQ(clear)
}

func (c *Controller) msg() *Message { return &c.msgs[c.msgIdx] }

// clearIRQ acknowledges the given status bits. The register clears on
// writing zero, so all other bits are written back as one.
func (c *Controller) clearIRQ(bits uint32) {
	c.hw.Write(ICMSR, ^bits&0x7f)
}

func (c *Controller) firstMessage(msgs []Message) {
	c.msgs = msgs
	c.msgIdx = 0
	c.msgsLeft = len(msgs)
	c.hw.Write(ICMSR, 0) // must be done before the message setup
	c.prepareMessage()
}

func (c *Controller) nextMessage() {
	c.msgIdx++
	c.msgsLeft--
	c.prepareMessage()
	// ICMSR handling must come afterwards in the interrupt handler
}

func (c *Controller) prepareMessage() {
	m := c.msg()
	immediateStart := c.status&stRepAfterRead == 0

	c.pos = 0
	c.status = 0
	if c.msgsLeft == 1 {
		c.status |= stLastMsg
	}
	c.buf = m.Buf[:cap(m.Buf)]
	c.msgLen = len(m.Buf)

	c.hw.Write(ICMAR, m.addrByte())
	if c.config&cfgMaySleep != 0 {
		if m.read() {
			c.hw.Write(ICMIER, irqRecvMask)
		} else {
			c.hw.Write(ICMIER, irqSendMask)
		}
	}
	// After a read the repeated start was already requested during the
	// second-to-last data byte, so no start may be written here.
	if immediateStart {
		c.hw.Write(ICMCR, busPhaseStart)
	}
}

// complete signals the waiting Transfer. The channel has capacity one and
// the waiter drains it before arming a transfer, so this never blocks.
func (c *Controller) complete() {
	select {
	case c.done <- struct{}{}:
	default:
	}
}

func (c *Controller) result(timedOut bool) (int, error) {
	var err error
	switch {
	case timedOut:
		// force the bus back into a known state
		c.initHW()
		err = ErrTimeout
	case c.status&stNACK != 0:
		err = ErrNACK
	case c.status&stArbLost != 0:
		err = ErrArbitrationLost
	case c.status&stProtoErr != 0:
		err = ErrProtocol
	default:
		return len(c.msgs) - c.msgsLeft, nil
	}
	return 0, c.failure(err)
}

// failure logs a failed transfer. A NACK is a normal bus answer and not
// worth a diagnostic.
func (c *Controller) failure(err error) error {
	if err != ErrNACK {
		println("i2c: transfer failed:", err.Error())
	}
	return err
}

func validateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return ErrZeroLength
	}
	for i := range msgs {
		m := &msgs[i]
		if m.Addr > 0x7f {
			return ErrTenBitAddress
		}
		if len(m.Buf) == 0 {
			return ErrZeroLength
		}
		if m.Flags&MsgRecvLen != 0 {
			if m.Flags&MsgRead == 0 || cap(m.Buf)-len(m.Buf) < BlockMax {
				return ErrInvalidMessage
			}
		}
	}
	return nil
}

// busBarrier waits for the bus to become free. When waiting does not help
// within the timeout, the configured recovery gets a chance before the
// transfer is refused.
func (c *Controller) busBarrier() error {
	deadline := time.Now().Add(c.cfg.Timeout)
	for c.hw.Read(ICMCR)&FSDA != 0 {
		if time.Now().After(deadline) {
			if c.cfg.Recovery == nil {
				return ErrBusBusy
			}
			c.recoveryMCR = MDBS | OBPC | FSDA | FSCL
			if c.cfg.Recovery.Recover(c) != nil {
				return ErrBusBusy
			}
			return nil
		}
		runtime.Gosched()
	}
	return nil
}

// doReset pulses the module reset line and waits for it to settle.
func (c *Controller) doReset() error {
	// a live target registration would be wiped by the reset
	if c.target != nil {
		return ErrTargetActive
	}
	if c.cfg.Reset.Reset() != nil {
		return ErrResetFailed
	}
	deadline := time.Now().Add(100 * time.Microsecond)
	for c.cfg.Reset.Busy() {
		if time.Now().After(deadline) {
			return ErrResetFailed
		}
		runtime.Gosched()
	}
	return nil
}

// LineControl implementation for bus recovery: the pin override bits of
// ICMCR drive and sample the lines directly while OBPC is set.

// SCL samples the clock line.
func (c *Controller) SCL() bool { return c.hw.Read(ICMCR)&FSCL != 0 }

// SetSCL drives the clock line.
func (c *Controller) SetSCL(level bool) {
	if level {
		c.recoveryMCR |= FSCL
	} else {
		c.recoveryMCR &^= FSCL
	}
	c.hw.Write(ICMCR, c.recoveryMCR)
}

// SetSDA drives the data line.
func (c *Controller) SetSDA(level bool) {
	if level {
		c.recoveryMCR |= FSDA
	} else {
		c.recoveryMCR &^= FSDA
	}
	c.hw.Write(ICMCR, c.recoveryMCR)
}

// BusFree reports whether SDA reads high again.
func (c *Controller) BusFree() bool { return c.hw.Read(ICMCR)&FSDA == 0 }
