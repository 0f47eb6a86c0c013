//go:build tinygo

package main

import (
	"time"

	"github.com/tinygo-org/rcar-i2c/rcar"
	"github.com/tinygo-org/rcar-i2c/rcarlib"
)

const (
	i2cBase    = 0xE6508000
	refClock   = 133_333_333
	eepromAddr = 0x50
)

func main() {
	// Sleep to catch prints.
	time.Sleep(2 * time.Second)

	ctl := rcar.New(rcar.NewMMIO(i2cBase), rcar.Gen2)
	err := ctl.Configure(rcar.Config{
		RefClockHz: refClock,
		Frequency:  rcar.FastModeFrequency,
		Recovery:   rcarlib.GenericRecovery{},
	})
	if err != nil {
		panic(err.Error())
	}

	// Dump the first 16 bytes: set the word address, then read back with a
	// repeated start. Polled mode, so no interrupt wiring is needed.
	var data [16]byte
	_, err = ctl.TransferAtomic([]rcar.Message{
		{Addr: eepromAddr, Buf: []byte{0}},
		{Addr: eepromAddr, Flags: rcar.MsgRead, Buf: data[:]},
	})
	if err != nil {
		panic(err.Error())
	}
	for i, b := range data {
		println(i, ":", b)
	}
}
