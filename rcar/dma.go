package rcar

// Minimum message length before DMA pays off. At least the first byte of a
// transmit and the last two bytes of a receive always move byte-wise, so
// anything shorter is pure overhead.
const minDMALen = 8

// DMADirection tells a DMARequester which way a channel will move data.
type DMADirection uint8

const (
	dmaNone DMADirection = iota
	DMAToDevice
	DMAFromDevice
)

// DMAChannel is one direction of DMA offload between memory and the
// controller's data port.
type DMAChannel interface {
	// Submit queues a transfer covering buf and arranges for done to be
	// called from the channel's completion interrupt. The data does not
	// move before the controller raises DMA requests via ICDMAER.
	Submit(buf []byte, done func()) error
	// Terminate force-stops a queued or running transfer. It may block and
	// must only be called from a context that may sleep.
	Terminate()
	// Release returns the channel to its provider.
	Release()
}

// DMARequester hands out DMA channels wired to the controller's request
// lines. Channels are requested lazily per transfer, so a controller works
// fine before the DMA provider is up; it simply stays byte-wise.
type DMARequester interface {
	RequestChannel(dir DMADirection) (DMAChannel, error)
}

// requestDMA acquires the channel for the message's direction if there is
// none yet. Failure is not an error, the transfer falls back to byte-wise.
func (c *Controller) requestDMA(m *Message) {
	if c.cfg.DMA == nil {
		return
	}
	if m.read() {
		if c.dmaRX != nil {
			return
		}
		ch, err := c.cfg.DMA.RequestChannel(DMAFromDevice)
		if err != nil {
			return
		}
		c.dmaRX = ch
	} else {
		if c.dmaTX != nil {
			return
		}
		ch, err := c.cfg.DMA.RequestChannel(DMAToDevice)
		if err != nil {
			return
		}
		c.dmaTX = ch
	}
}

// dmaOffload hands the remaining data phase of the current message to DMA.
// It reports whether DMA took over; on false the caller continues
// byte-wise. Called with the first transmit byte in flight (pos == 1), at
// the end of the receive address phase (pos == 0), or right after the
// length byte of a length-prefixed receive arrived.
func (c *Controller) dmaOffload() bool {
	m := c.msg()
	read := m.read()
	ch := c.dmaTX
	if read {
		ch = c.dmaRX
	}

	// various checks to see if DMA is feasible at all
	if c.config&cfgMaySleep == 0 || ch == nil || c.msgLen < minDMALen ||
		m.Flags&MsgDMASafe == 0 || (read && c.config&cfgNoRXDMA != 0) {
		return false
	}

	var buf []byte
	if read {
		// The last two bytes stay byte-wise: the second-to-last one
		// decides the following bus phase and the last one needs the
		// STOP or repeated start sequencing around it.
		buf = c.buf[c.pos : c.msgLen-2]
		c.dmaDir = DMAFromDevice
	} else {
		// The first byte was already sent byte-wise along with the
		// address, the rest of the message is eligible.
		buf = c.buf[c.pos:c.msgLen]
		c.dmaDir = DMAToDevice
	}
	c.dmaLen = len(buf)

	if ch.Submit(buf, c.dmaComplete) != nil {
		// silently fall back to byte-wise transfer
		c.cleanupDMA(false)
		return false
	}

	if read {
		c.hw.Write(ICDMAER, RMDMAE)
	} else {
		c.hw.Write(ICDMAER, TMDMAE)
	}
	return true
}

// dmaComplete runs from the DMA channel's completion interrupt.
func (c *Controller) dmaComplete() {
	c.pos += c.dmaLen
	c.cleanupDMA(false)
}

func (c *Controller) cleanupDMA(terminate bool) {
	if terminate {
		// may block, only legal because cfgMaySleep transfers use DMA
		ch := c.dmaTX
		if c.dmaDir == DMAFromDevice {
			ch = c.dmaRX
		}
		ch.Terminate()
	}

	// Gen3+ allows only one receive DMA per transfer and that one just
	// happened. Only the reset before the next transfer re-allows it.
	if c.gen >= Gen3 && c.dmaDir == DMAFromDevice {
		c.config |= cfgNoRXDMA
	}

	c.dmaDir = dmaNone

	// Disabling the DMA request must be the last step here: it gates the
	// interrupts that the byte-wise path takes over from.
	c.hw.Write(ICDMAER, 0)
}
