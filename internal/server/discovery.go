package server

import (
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

// MDNSService is the mDNS service type clients browse for.
const MDNSService = "_collabroom._tcp"

// Announce registers the server on the local network over mDNS so clients on
// the same LAN can find it without configuration. The returned server must be
// shut down on exit.
func Announce(port int) (*zeroconf.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "collabroom"
	}
	srv, err := zeroconf.Register(
		fmt.Sprintf("collabroom-%s", host),
		MDNSService,
		"local.",
		port,
		[]string{"path=/ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return srv, nil
}
