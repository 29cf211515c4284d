package framebuf

import (
	"encoding/binary"
	"net"

	"github.com/mdlayher/ethernet"
)

// Layout of the shared frame buffer. The zones never overlap.
const (
	Size = 0x1000

	ScratchOffset = 0x000
	ScratchSize   = 0x008

	SendOffset = 0x010
	SendSize   = 0x770

	RecvOffset = 0x780
	RecvSize   = 0x800

	// Receive zone header written by the adapter in front of the frame.
	RecvHeaderSize = 6
)

const (
	HeaderSize  = 14
	TrailerSize = 4
	// MinFrameSize is the smallest decoded length worth dispatching.
	MinFrameSize = HeaderSize + TrailerSize
)

/**
 * Buffer is the single region shared by the send path, the receive path and
 * status exchanges. Sends only happen in the foreground and receives only
 * inside the interrupt critical section, so the zones are never written
 * concurrently.
 *
 */
type Buffer struct {
	data [Size]byte
}

func New() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Scratch() []byte {
	return b.data[ScratchOffset : ScratchOffset+ScratchSize]
}

func (b *Buffer) Send() []byte {
	return b.data[SendOffset : SendOffset+SendSize]
}

// Recv returns the whole receive zone, header included.
func (b *Buffer) Recv() []byte {
	return b.data[RecvOffset : RecvOffset+RecvSize]
}

// RecvZone returns the first size bytes of the receive zone, clamped to its capacity.
func (b *Buffer) RecvZone(size int) []byte {
	if size > RecvSize || size <= 0 {
		size = RecvSize
	}
	return b.data[RecvOffset : RecvOffset+size]
}

// RecvFrame returns the link frame held in the receive zone.
func (b *Buffer) RecvFrame(length int) Frame {
	if length > RecvSize-RecvHeaderSize {
		length = RecvSize - RecvHeaderSize
	}
	if length < 0 {
		length = 0
	}
	start := RecvOffset + RecvHeaderSize
	return Frame(b.data[start : start+length])
}

// Frame is a raw Ethernet II frame as delivered to protocol handlers.
type Frame []byte

func (f Frame) Destination() net.HardwareAddr {
	if len(f) < HeaderSize {
		return nil
	}
	return net.HardwareAddr(f[0:6])
}

func (f Frame) Source() net.HardwareAddr {
	if len(f) < HeaderSize {
		return nil
	}
	return net.HardwareAddr(f[6:12])
}

func (f Frame) EtherType() ethernet.EtherType {
	if len(f) < HeaderSize {
		return 0
	}
	return ethernet.EtherType(binary.BigEndian.Uint16(f[12:14]))
}

// Payload returns the bytes following the link header.
func (f Frame) Payload() []byte {
	if len(f) < HeaderSize {
		return nil
	}
	return f[HeaderSize:]
}

// Decode parses the frame with the ethernet package.
func (f Frame) Decode() (*ethernet.Frame, error) {
	ef := new(ethernet.Frame)
	err := ef.UnmarshalBinary(f)
	if err != nil {
		return nil, err
	}
	return ef, nil
}
