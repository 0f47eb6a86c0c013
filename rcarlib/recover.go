package rcarlib

import (
	"time"

	"github.com/tinygo-org/rcar-i2c/rcar"
)

// GenericRecovery frees a stuck bus with the standard procedure: pulse SCL
// up to nine times so a target stuck mid-byte can clock out its remaining
// bits and release SDA.
type GenericRecovery struct {
	// HalfPeriod is half the SCL period used while pulsing.
	// Defaults to 5µs, i.e. 100 kHz.
	HalfPeriod time.Duration
}

var _ rcar.BusRecoverer = GenericRecovery{}

func (g GenericRecovery) Recover(lines rcar.LineControl) error {
	half := g.HalfPeriod
	if half == 0 {
		half = 5 * time.Microsecond
	}
	lines.SetSDA(true)
	for i := 0; i < 9; i++ {
		lines.SetSCL(false)
		time.Sleep(half)
		lines.SetSCL(true)
		time.Sleep(half)
		if lines.BusFree() {
			return nil
		}
	}
	return rcar.ErrBusBusy
}
