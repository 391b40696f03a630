package client

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
)

// mdnsService mirrors the service type the server announces.
const mdnsService = "_collabroom._tcp"

// Discover browses the local network for an announced server and returns the
// websocket URL of the first instance found. Blocks until a server shows up
// or ctx expires.
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("client: init mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, mdnsService, "local.", entries); err != nil {
		return "", fmt.Errorf("client: browse mDNS: %w", err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("client: no server found")
			}
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			path := "/ws"
			for _, txt := range entry.Text {
				if len(txt) > 5 && txt[:5] == "path=" {
					path = txt[5:]
				}
			}
			return fmt.Sprintf("ws://%s:%d%s", entry.AddrIPv4[0], entry.Port, path), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
