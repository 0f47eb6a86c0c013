package rcar

// Target reacts to the controller being addressed by an external master.
// All methods run from the interrupt path and must not block.
//
// A non-nil error from WriteRequested or WriteReceived asks the hardware to
// NACK. The forced-NACK bit takes effect one byte late, so after refusing a
// byte the handler sees (and should ignore) one more.
type Target interface {
	// ReadRequested returns the first byte after being addressed for read.
	ReadRequested() byte
	// ReadProcessed returns the next byte after the previous one was
	// clocked out.
	ReadProcessed() byte
	// WriteRequested announces being addressed for write.
	WriteRequested() error
	// WriteReceived hands over one received byte.
	WriteReceived(b byte) error
	// Stop marks the end of the transaction.
	Stop()
}

// RegisterTarget arms target mode: the controller answers on addr with the
// given handler. Only 7-bit addresses, only one registration at a time.
func (c *Controller) RegisterTarget(addr uint16, t Target) error {
	if t == nil {
		panic(badTarget)
	}
	if c.target != nil {
		return ErrTargetBusy
	}
	if addr > 0x7f {
		return ErrTenBitAddress
	}
	c.target = t

	c.hw.Write(ICSAR, uint32(addr))
	c.hw.Write(ICSSR, 0)
	c.hw.Write(ICSIER, SAR)
	c.hw.Write(ICSCR, SIE|SDBS)
	return nil
}

// UnregisterTarget disarms target mode. The caller must keep the interrupt
// line masked while this runs; afterwards pending target events are gone.
func (c *Controller) UnregisterTarget() error {
	if c.target == nil {
		return ErrNoTarget
	}
	c.resetTarget()
	c.target = nil
	c.targetNACK = false
	return nil
}

// targetIRQ handles target-mode events. It reports whether any event was
// pending, so the master path can tell spurious interrupts apart.
func (c *Controller) targetIRQ() bool {
	if c.target == nil {
		return false
	}
	raw := c.hw.Read(ICSSR) & 0xff
	ssr := raw & c.hw.Read(ICSIER)
	if ssr == 0 {
		return false
	}

	// address matched
	if ssr&SAR != 0 {
		if raw&STM != 0 {
			// read request: the first byte must go out right away
			c.hw.Write(ICRXTX, uint32(c.target.ReadRequested()))
			c.hw.Write(ICSIER, SDE | SSR | SAR)
		} else {
			if c.target.WriteRequested() != nil {
				c.targetNACK = true
			}
			c.hw.Read(ICRXTX) // dummy read to release the bus
			c.hw.Write(ICSIER, SDR | SSR | SAR)
		}
		// clear SSR as well, a stop meant for another target may linger
		c.hw.Write(ICSSR, ^uint32(SAR|SSR)&0xff)
	}

	// stop received
	if ssr&SSR != 0 {
		c.target.Stop()
		c.hw.Write(ICSCR, SIE|SDBS) // drop a latched NACK
		c.targetNACK = false
		c.hw.Write(ICSIER, SAR)
		c.hw.Write(ICSSR, ^uint32(SSR)&0xff)
	}

	// one byte received
	if ssr&SDR != 0 {
		b := byte(c.hw.Read(ICRXTX))
		if c.target.WriteReceived(b) != nil {
			c.targetNACK = true
		}
		// the NACK only takes effect for the byte after this one
		scr := uint32(SIE | SDBS)
		if c.targetNACK {
			scr |= FNA
		}
		c.hw.Write(ICSCR, scr)
		c.hw.Write(ICSSR, ^uint32(SDR)&0xff)
	}

	// the shifter wants the next transmit byte
	if ssr&SDE != 0 {
		c.hw.Write(ICRXTX, uint32(c.target.ReadProcessed()))
		c.hw.Write(ICSSR, ^uint32(SDE)&0xff)
	}

	return true
}
