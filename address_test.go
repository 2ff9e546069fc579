package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	a, err := NewAddress(net.ParseIP("192.0.2.1"))
	require.NoError(t, err)
	assert.Equal(t, AddressFamilyIPv4, a.Family)
	assert.Equal(t, "192.0.2.1", a.String())
	assert.Len(t, a.Bytes(), 4)

	b, err := NewAddress(net.ParseIP("2001:db8::1"))
	require.NoError(t, err)
	assert.Equal(t, AddressFamilyIPv6, b.Family)
	assert.Equal(t, "2001:db8::1", b.String())
	assert.Len(t, b.Bytes(), 16)

	_, err = NewAddress(nil)
	assert.Error(t, err)
}

func TestAddressEquality(t *testing.T) {
	a := mustAddress("192.0.2.1")
	b := mustAddress("192.0.2.1")
	c := mustAddress("192.0.2.2")

	assert.True(t, a == b)
	assert.False(t, a == c)

	// usable as a map key
	m := map[Address]int{a: 1}
	assert.Equal(t, 1, m[b])
}

func TestAddressCompare(t *testing.T) {
	v4lo := mustAddress("10.0.0.1")
	v4hi := mustAddress("192.0.2.1")
	v6 := mustAddress("::1")

	assert.Equal(t, 0, v4lo.Compare(v4lo))
	assert.Equal(t, -1, v4lo.Compare(v4hi))
	assert.Equal(t, 1, v4hi.Compare(v4lo))

	// family orders before bytes: every v4 sorts before every v6
	assert.Equal(t, -1, v4hi.Compare(v6))
	assert.Equal(t, 1, v6.Compare(v4hi))
}

func TestAddressFromBytes(t *testing.T) {
	a, err := NewAddressFromBytes([]byte{10, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", a.String())

	_, err = NewAddressFromBytes([]byte{10, 0, 0})
	assert.Error(t, err)
}
