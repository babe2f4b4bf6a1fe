package server

import (
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/protocol"
)

const (
	// DiscoveryService is the mDNS service name without domain suffix.
	DiscoveryService = "_backup._tcp"
	// DiscoveryDomain is the mDNS domain.
	DiscoveryDomain = "local."
)

// announceService publishes the listening backup service over mDNS so
// clients on the local network can find it without configuration.
func announceService(instance string, addr net.Addr) (*zeroconf.Server, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("announce mDNS service: unsupported address %T", addr)
	}

	txt := []string{
		"version=" + strconv.Itoa(protocol.ProtocolVersion),
	}

	server, err := zeroconf.Register(instance, DiscoveryService, DiscoveryDomain, tcpAddr.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return server, nil
}
