package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/server"
)

// ErrNoServerFound indicates no backup server answered the mDNS browse
// within the lookup window.
var ErrNoServerFound = errors.New("client: no backup server found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// LookupServer browses the local network for an announced backup server and
// returns the first reachable host:port. The provided context bounds the
// browse; callers typically pass a short timeout.
func LookupServer(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("create mdns resolver: %w", err)
	}
	return lookupServer(ctx, resolver.Browse)
}

func lookupServer(ctx context.Context, browse browseFunc) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	found := make(chan string, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				addr, ok := entryAddr(entry)
				if !ok {
					continue
				}
				select {
				case found <- addr:
				default:
				}
				cancel()
				return
			}
		}
	}()

	if err := browse(ctx, server.DiscoveryService, server.DiscoveryDomain, entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	select {
	case addr := <-found:
		return addr, nil
	default:
		return "", ErrNoServerFound
	}
}

func entryAddr(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry.Port <= 0 {
		return "", false
	}
	for _, ip := range entry.AddrIPv4 {
		return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
	}
	for _, ip := range entry.AddrIPv6 {
		return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
	}
	return "", false
}
