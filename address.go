package main

import (
	"bytes"
	"net"

	"github.com/pkg/errors"
)

type AddressFamily uint8

const (
	AddressFamilyIPv4 AddressFamily = 4
	AddressFamilyIPv6 AddressFamily = 6
)

// Address is a value-typed IPv4 or IPv6 host address. IPv4 addresses
// occupy the first four bytes of ip; the remainder stays zero so that
// Address is usable as a map key via ==.
type Address struct {
	Family AddressFamily
	ip     [net.IPv6len]byte
}

var InvalidAddressError = errors.New("invalid address")

func NewAddress(ip net.IP) (Address, error) {
	var a Address

	if ip4 := ip.To4(); ip4 != nil {
		a.Family = AddressFamilyIPv4
		copy(a.ip[:net.IPv4len], ip4)
		return a, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		a.Family = AddressFamilyIPv6
		copy(a.ip[:], ip16)
		return a, nil
	}

	return a, InvalidAddressError
}

func NewAddressFromBytes(b []byte) (Address, error) {
	var a Address

	switch len(b) {
	case net.IPv4len:
		a.Family = AddressFamilyIPv4
		copy(a.ip[:net.IPv4len], b)
	case net.IPv6len:
		a.Family = AddressFamilyIPv6
		copy(a.ip[:], b)
	default:
		return a, InvalidAddressError
	}

	return a, nil
}

func addressFromUDP(addr net.Addr) (Address, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return NewAddress(a.IP)
	case *net.IPAddr:
		return NewAddress(a.IP)
	default:
		return Address{}, errors.Errorf("unexpected address type %T", addr)
	}
}

func (a Address) IP() net.IP {
	if a.Family == AddressFamilyIPv4 {
		return net.IP(a.ip[:net.IPv4len])
	}
	return net.IP(a.ip[:])
}

// Bytes returns the address in its native length (4 or 16 bytes).
func (a Address) Bytes() []byte {
	if a.Family == AddressFamilyIPv4 {
		return a.ip[:net.IPv4len]
	}
	return a.ip[:]
}

func (a Address) String() string {
	if a.Family == 0 {
		return "<none>"
	}
	return a.IP().String()
}

// Compare orders addresses by family first, then by address bytes.
func (a Address) Compare(b Address) int {
	switch {
	case a.Family < b.Family:
		return -1
	case a.Family > b.Family:
		return 1
	}
	return bytes.Compare(a.Bytes(), b.Bytes())
}
