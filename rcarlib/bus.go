// Package rcarlib contains consumers of the rcar controller core: a
// tinygo.org/x/drivers compatible bus adapter, SMBus style helpers and a
// generic bus recovery.
package rcarlib

import (
	"tinygo.org/x/drivers"

	"github.com/tinygo-org/rcar-i2c/rcar"
)

// Transferer runs a message list as one bus transaction. Implemented by
// *rcar.Controller.
type Transferer interface {
	Transfer(msgs []rcar.Message) (int, error)
}

var _ Transferer = (*rcar.Controller)(nil)

// Bus adapts a controller to the drivers.I2C contract so the device
// drivers from tinygo.org/x/drivers can run on it unchanged.
type Bus struct {
	c Transferer
}

var _ drivers.I2C = (*Bus)(nil)

func NewBus(c Transferer) *Bus {
	return &Bus{c: c}
}

// Tx performs the write followed by the read as a single transaction with
// a repeated start in between. Either part may be empty, both empty is a
// quick command which the hardware cannot do.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	var msgs [2]rcar.Message
	n := 0
	if len(w) > 0 {
		msgs[n] = rcar.Message{Addr: addr, Buf: w}
		n++
	}
	if len(r) > 0 {
		msgs[n] = rcar.Message{Addr: addr, Flags: rcar.MsgRead, Buf: r}
		n++
	}
	if n == 0 {
		return rcar.ErrZeroLength
	}
	_, err := b.c.Transfer(msgs[:n])
	return err
}
