package rcarlib

import "github.com/tinygo-org/rcar-i2c/rcar"

// SMBus style helpers on top of a controller. The controller emulates
// SMBus with plain messages; block reads use the length-prefixed receive
// so the device dictates how many bytes follow.

// ReadByteData reads one byte from a device register.
func ReadByteData(c Transferer, addr uint16, cmd uint8) (byte, error) {
	var data [1]byte
	msgs := []rcar.Message{
		{Addr: addr, Buf: []byte{cmd}},
		{Addr: addr, Flags: rcar.MsgRead, Buf: data[:]},
	}
	_, err := c.Transfer(msgs)
	return data[0], err
}

// WriteByteData writes one byte to a device register.
func WriteByteData(c Transferer, addr uint16, cmd uint8, val byte) error {
	_, err := c.Transfer([]rcar.Message{
		{Addr: addr, Buf: []byte{cmd, val}},
	})
	return err
}

// ReadWordData reads a little-endian 16-bit word from a device register.
func ReadWordData(c Transferer, addr uint16, cmd uint8) (uint16, error) {
	var data [2]byte
	msgs := []rcar.Message{
		{Addr: addr, Buf: []byte{cmd}},
		{Addr: addr, Flags: rcar.MsgRead, Buf: data[:]},
	}
	_, err := c.Transfer(msgs)
	return uint16(data[0]) | uint16(data[1])<<8, err
}

// ReadBlock reads a length-prefixed block into dst and returns how many
// payload bytes the device sent (at most rcar.BlockMax, truncated to dst).
func ReadBlock(c Transferer, addr uint16, cmd uint8, dst []byte) (int, error) {
	buf := make([]byte, 1, 1+rcar.BlockMax)
	msgs := []rcar.Message{
		{Addr: addr, Buf: []byte{cmd}},
		{Addr: addr, Flags: rcar.MsgRead | rcar.MsgRecvLen, Buf: buf},
	}
	if _, err := c.Transfer(msgs); err != nil {
		return 0, err
	}
	n := int(buf[0])
	return copy(dst, buf[1:1+n]), nil
}

// WriteBlock writes a length-prefixed block of at most rcar.BlockMax bytes.
func WriteBlock(c Transferer, addr uint16, cmd uint8, src []byte) error {
	if len(src) > rcar.BlockMax {
		return rcar.ErrInvalidMessage
	}
	buf := make([]byte, 0, 2+len(src))
	buf = append(buf, cmd, byte(len(src)))
	buf = append(buf, src...)
	_, err := c.Transfer([]rcar.Message{{Addr: addr, Buf: buf}})
	return err
}
