package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// InquirySize is the size of the vendor inquiry reply requested from the adapter.
const InquirySize = 44

var ErrShortInquiry = errors.New("inquiry data too short")

// Expected identification of a DaynaPORT SCSI/Link.
var (
	DaynaVendor  = [8]byte{'D', 'a', 'y', 'n', 'a', ' ', ' ', ' '}
	DaynaProduct = [16]byte{'S', 'C', 'S', 'I', '/', 'L', 'i', 'n', 'k', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
)

const (
	daynaDeviceType = 0x03 // Processor device
	daynaQualifier  = 0x00
	daynaVersion    = 0x01
	daynaMinLength  = 0x1f
)

// Identity is the inquiry data returned by a target.
type Identity struct {
	DeviceType       uint8
	Qualifier        uint8
	Version          uint8
	Reserved         uint8
	AdditionalLength uint8
	Unused           [2]uint8
	Flags            uint8
	Vendor           [8]byte
	Product          [16]byte
	Revision         [4]byte
	Extra            [8]byte
}

// ParseIdentity decodes raw inquiry data.
func ParseIdentity(data []byte) (*Identity, error) {
	if len(data) < InquirySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortInquiry, len(data))
	}
	id := &Identity{
		DeviceType:       data[0],
		Qualifier:        data[1],
		Version:          data[2],
		Reserved:         data[3],
		AdditionalLength: data[4],
		Flags:            data[7],
	}
	copy(id.Unused[:], data[5:7])
	copy(id.Vendor[:], data[8:16])
	copy(id.Product[:], data[16:32])
	copy(id.Revision[:], data[32:36])
	copy(id.Extra[:], data[36:44])
	return id, nil
}

// MarshalTo writes the inquiry data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (id *Identity) MarshalTo(buf []byte) int {
	if len(buf) < InquirySize {
		return 0
	}
	buf[0] = id.DeviceType
	buf[1] = id.Qualifier
	buf[2] = id.Version
	buf[3] = id.Reserved
	buf[4] = id.AdditionalLength
	copy(buf[5:7], id.Unused[:])
	buf[7] = id.Flags
	copy(buf[8:16], id.Vendor[:])
	copy(buf[16:32], id.Product[:])
	copy(buf[32:36], id.Revision[:])
	copy(buf[36:44], id.Extra[:])
	return InquirySize
}

// IsDaynaPort reports whether the identity matches the supported adapter.
func (id *Identity) IsDaynaPort() bool {
	if id.DeviceType != daynaDeviceType || id.Qualifier != daynaQualifier || id.Version != daynaVersion {
		return false
	}
	if id.AdditionalLength < daynaMinLength {
		return false
	}
	return bytes.Equal(id.Vendor[:], DaynaVendor[:]) && bytes.Equal(id.Product[:], DaynaProduct[:])
}

func (id *Identity) VendorString() string {
	return strings.TrimRight(string(id.Vendor[:]), " \x00")
}

func (id *Identity) ProductString() string {
	return strings.TrimRight(string(id.Product[:]), " \x00")
}

func (id *Identity) RevisionString() string {
	return strings.TrimRight(string(id.Revision[:]), " \x00")
}

// NewDaynaIdentity builds the identity a DaynaPORT reports, used by simulated adapters.
func NewDaynaIdentity(revision string) *Identity {
	id := &Identity{
		DeviceType:       daynaDeviceType,
		Qualifier:        daynaQualifier,
		Version:          daynaVersion,
		AdditionalLength: InquirySize - 5,
		Vendor:           DaynaVendor,
		Product:          DaynaProduct,
	}
	copy(id.Revision[:], fmt.Sprintf("%-4s", revision))
	return id
}
