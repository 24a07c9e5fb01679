package mtp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayNameWithHostname(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 48099}
	assert.Equal(t, "relay.example [10.0.0.1]:48099", DisplayName(addr, "relay.example"))
}

func TestDisplayNameWithoutHostname(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 48099}
	assert.Equal(t, "10.0.0.1:48099", DisplayName(addr, ""))
}

func TestDisplayNameNilAddr(t *testing.T) {
	assert.Equal(t, "?:?", DisplayName(nil, ""))
}
