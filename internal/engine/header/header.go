// Package header extracts Ethernet, IPv4, TCP and UDP fields from raw frame
// buffers. Every access is bounds-checked against the captured length handed
// in by the caller; header-declared lengths are never trusted to extend a
// read past the end of the buffer.
package header

import (
	"encoding/binary"
	"errors"
)

// ErrOutOfBounds reports a header read that would exceed the captured data.
var ErrOutOfBounds = errors.New("header read exceeds captured data")

// Fixed header lengths in bytes. IPv4 options and TCP options are not
// parsed; ports sit inside the fixed 20-byte IPv4 header region either way
// only when IHL is 5, which is what the classifier assumes throughout.
const (
	EthernetLen = 14
	IPv4Len     = 20
	TCPLen      = 20
	UDPLen      = 8
)

// EtherTypeIPv4 is the only EtherType the classifier processes further.
const EtherTypeIPv4 = 0x0800

// EthernetHdr is the subset of the Ethernet header the classifier needs.
type EthernetHdr struct {
	EtherType uint16
}

// IPv4Hdr is the subset of the IPv4 header the classifier needs. Addresses
// are in host-order uint32 form (big-endian wire bytes).
type IPv4Hdr struct {
	TotalLen uint16
	Protocol uint8
	SrcAddr  uint32
	DstAddr  uint32
}

// TCPHdr carries the TCP port pair.
type TCPHdr struct {
	SrcPort uint16
	DstPort uint16
}

// UDPHdr carries the UDP port pair.
type UDPHdr struct {
	SrcPort uint16
	DstPort uint16
}

// checkBounds fails unless [off, off+n) lies within buf.
func checkBounds(buf []byte, off, n int) error {
	if off < 0 || off+n > len(buf) {
		return ErrOutOfBounds
	}
	return nil
}

// Ethernet reads the Ethernet header at off.
func Ethernet(buf []byte, off int) (EthernetHdr, error) {
	if err := checkBounds(buf, off, EthernetLen); err != nil {
		return EthernetHdr{}, err
	}
	return EthernetHdr{
		EtherType: binary.BigEndian.Uint16(buf[off+12 : off+14]),
	}, nil
}

// IPv4 reads the IPv4 header at off.
func IPv4(buf []byte, off int) (IPv4Hdr, error) {
	if err := checkBounds(buf, off, IPv4Len); err != nil {
		return IPv4Hdr{}, err
	}
	return IPv4Hdr{
		TotalLen: binary.BigEndian.Uint16(buf[off+2 : off+4]),
		Protocol: buf[off+9],
		SrcAddr:  binary.BigEndian.Uint32(buf[off+12 : off+16]),
		DstAddr:  binary.BigEndian.Uint32(buf[off+16 : off+20]),
	}, nil
}

// TCP reads the TCP header at off.
func TCP(buf []byte, off int) (TCPHdr, error) {
	if err := checkBounds(buf, off, TCPLen); err != nil {
		return TCPHdr{}, err
	}
	return TCPHdr{
		SrcPort: binary.BigEndian.Uint16(buf[off : off+2]),
		DstPort: binary.BigEndian.Uint16(buf[off+2 : off+4]),
	}, nil
}

// UDP reads the UDP header at off.
func UDP(buf []byte, off int) (UDPHdr, error) {
	if err := checkBounds(buf, off, UDPLen); err != nil {
		return UDPHdr{}, err
	}
	return UDPHdr{
		SrcPort: binary.BigEndian.Uint16(buf[off : off+2]),
		DstPort: binary.BigEndian.Uint16(buf[off+2 : off+4]),
	}, nil
}
