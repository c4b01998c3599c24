package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddrIsDomain(t *testing.T) {
	domainAddr := NewDomainAddr("example.com", 443)
	assert.True(t, domainAddr.IsDomain())
	assert.Equal(t, "example.com", domainAddr.Host())

	ipAddr := NewIPAddr(net.ParseIP("192.0.2.1"), 80)
	assert.False(t, ipAddr.IsDomain())
	assert.Equal(t, "192.0.2.1", ipAddr.Host())
}

func TestAddrMustSocketAddr(t *testing.T) {
	ipAddr := NewIPAddr(net.ParseIP("192.0.2.1"), 80)

	tcpAddr := ipAddr.MustSocketAddr(TCP)
	assert.Equal(t, "192.0.2.1:80", tcpAddr.String())

	udpAddr := ipAddr.MustSocketAddr(UDP)
	assert.Equal(t, "192.0.2.1:80", udpAddr.String())
	assert.IsType(t, &net.UDPAddr{}, udpAddr)
}

func TestAddrMustSocketAddrPanicsOnDomain(t *testing.T) {
	domainAddr := NewDomainAddr("example.com", 443)
	assert.Panics(t, func() {
		domainAddr.MustSocketAddr(TCP)
	})
}

func TestSessionCloneIsIndependent(t *testing.T) {
	base := Session{
		Source:      NewIPAddr(net.ParseIP("198.51.100.1"), 1234),
		Destination: NewDomainAddr("example.com", 443),
		Transport:   TCP,
	}
	clone := base.Clone()
	clone.Destination = NewDomainAddr("other.example", 443)

	assert.Equal(t, "example.com", base.Destination.Domain)
	assert.Equal(t, "other.example", clone.Destination.Domain)
}
