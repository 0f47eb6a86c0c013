//go:build tinygo

package main

import (
	"time"

	"github.com/tinygo-org/rcar-i2c/rcar"
)

const (
	i2cBase  = 0xE6508000 // first controller instance on R-Car Gen2
	refClock = 133_333_333
)

func main() {
	// Sleep to catch prints.
	time.Sleep(2 * time.Second)

	ctl := rcar.New(rcar.NewMMIO(i2cBase), rcar.Gen2)
	if err := ctl.Configure(rcar.Config{RefClockHz: refClock}); err != nil {
		panic(err.Error())
	}
	println("Scanning at", ctl.BusFrequency(), "Hz")

	var probe [1]byte
	found := 0
	for addr := uint16(0x08); addr < 0x78; addr++ {
		_, err := ctl.TransferAtomic([]rcar.Message{
			{Addr: addr, Flags: rcar.MsgRead, Buf: probe[:]},
		})
		if err == nil {
			println("Device at", addr)
			found++
		}
	}
	println("Done,", found, "devices")
}
