package jmux

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DestinationURL is a scheme/host/port triple identifying the far end of a
// channel, printable as "scheme://host:port". Only the "tcp" scheme is
// resolved by the core; any other scheme is rejected with a general-failure
// OPEN-FAILURE.
type DestinationURL struct {
	scheme string
	host   string
	port   uint16
}

// NewDestinationURL builds a DestinationURL from its parts.
func NewDestinationURL(scheme, host string, port uint16) DestinationURL {
	return DestinationURL{scheme: scheme, host: host, port: port}
}

// ParseDestinationURL parses a "scheme://host:port" string.
func ParseDestinationURL(raw string) (DestinationURL, error) {
	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return DestinationURL{}, errors.Errorf("missing scheme in destination url: %q", raw)
	}
	scheme := raw[:schemeSep]
	rest := raw[schemeSep+3:]

	hostSep := strings.LastIndex(rest, ":")
	if hostSep < 0 {
		return DestinationURL{}, errors.Errorf("missing port in destination url: %q", raw)
	}
	host := rest[:hostSep]
	portStr := rest[hostSep+1:]

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return DestinationURL{}, errors.Wrapf(err, "invalid port in destination url: %q", raw)
	}
	if host == "" {
		return DestinationURL{}, errors.Errorf("missing host in destination url: %q", raw)
	}

	return DestinationURL{scheme: scheme, host: host, port: uint16(port)}, nil
}

// Scheme returns the URL scheme, e.g. "tcp".
func (d DestinationURL) Scheme() string { return d.scheme }

// Host returns the hostname or address part.
func (d DestinationURL) Host() string { return d.host }

// Port returns the TCP/UDP port.
func (d DestinationURL) Port() uint16 { return d.port }

// HostPort returns "host:port", the form consumed by net.Dial.
func (d DestinationURL) HostPort() string {
	return fmt.Sprintf("%s:%d", d.host, d.port)
}

func (d DestinationURL) String() string {
	return fmt.Sprintf("%s://%s:%d", d.scheme, d.host, d.port)
}
