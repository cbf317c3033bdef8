package upnp

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
)

const serialLength = 14

// LocalIP returns the address this host uses to reach the outside world.
// No packet is sent: connecting a UDP socket only selects a route. Falls back
// to 127.0.0.1 when there is no route. Call it once at startup and pass the
// result to every device.
func LocalIP() string {
	c, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		log.Warn().Err(err).Msg("No route to probe local address, using 127.0.0.1")
		return "127.0.0.1"
	}
	defer c.Close()

	addr, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "127.0.0.1"
	}
	log.Debug().Str("ip", addr.IP.String()).Msg("Detected local address")
	return addr.IP.String()
}

// PersistentSerial derives a stable 14 character hex serial from a device
// name so a client sees the same bridge across restarts.
func PersistentSerial(name string) string {
	sum := 0
	for i := 0; i < len(name); i++ {
		sum += int(name[i])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%x", sum)
	salted := name + "fauxhue!"
	for i := 0; i < len(salted) && b.Len() < serialLength; i++ {
		fmt.Fprintf(&b, "%x", salted[i])
	}

	s := b.String()
	if len(s) > serialLength {
		s = s[:serialLength]
	}
	return s
}

// PersistentID is the identifier advertised in USN headers for a device name.
func PersistentID(name string) string {
	return "Socket-1_0-" + PersistentSerial(name)
}
