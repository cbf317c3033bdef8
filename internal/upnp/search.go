package upnp

import (
	"bytes"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"
)

// SearchResponse renders the unicast answer to an SSDP search for st.
// DATE is taken from the device clock on every call.
func (d *Device) SearchResponse(st string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("CACHE-CONTROL: max-age=86400\r\n")
	fmt.Fprintf(&b, "DATE: %s\r\n", d.cfg.Now().UTC().Format(http.TimeFormat))
	b.WriteString("EXT:\r\n")
	fmt.Fprintf(&b, "LOCATION: %s\r\n", d.location)
	b.WriteString("OPT: \"http://schemas.upnp.org/upnp/1/0/\"; ns=01\r\n")
	fmt.Fprintf(&b, "01-NLS: %s\r\n", d.instanceID)
	fmt.Fprintf(&b, "SERVER: %s\r\n", d.cfg.ServerVersion)
	fmt.Fprintf(&b, "ST: %s\r\n", st)
	fmt.Fprintf(&b, "USN: uuid:%s::%s\r\n", d.cfg.PersistentUUID, st)
	for _, h := range d.cfg.ExtraHeaders {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// RespondToSearch unicasts the search response to dest from a temporary UDP
// socket. It only reads immutable identity, so it may run off the loop.
func (d *Device) RespondToSearch(dest *net.UDPAddr, st string) error {
	msg := d.SearchResponse(st)

	c, err := net.DialUDP("udp4", nil, dest)
	if err != nil {
		return &NetworkError{Op: "send search response", Addr: dest.String(), Err: err}
	}
	defer c.Close()

	if _, err := c.Write(msg); err != nil {
		return &NetworkError{Op: "send search response", Addr: dest.String(), Err: err}
	}

	log.Debug().
		Str("device", d.cfg.Name).
		Str("remote", dest.String()).
		Str("st", st).
		Msg("Answered search")
	return nil
}
