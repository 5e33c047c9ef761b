package jmux

import (
	"strings"

	"github.com/pkg/errors"
)

// FilteringPolicy decides whether an inbound OPEN for a given destination is
// allowed to proceed. It is supplied by the embedder at construction time;
// the core treats it abstractly and only inspects the error it returns.
type FilteringPolicy interface {
	ValidateDestination(dest DestinationURL) error
}

// AllowAllPolicy accepts every destination. Useful for tests and for
// deployments that delegate filtering to an outer layer (e.g. a network
// ACL).
type AllowAllPolicy struct{}

// ValidateDestination always succeeds.
func (AllowAllPolicy) ValidateDestination(DestinationURL) error { return nil }

// FilteringRule is one entry of an AllowListPolicy: a scheme/host/port match,
// where an empty field means "any".
type FilteringRule struct {
	Scheme string
	Host   string
	Port   uint16 // 0 means any port
}

func (r FilteringRule) matches(dest DestinationURL) bool {
	if r.Scheme != "" && r.Scheme != dest.Scheme() {
		return false
	}
	if r.Host != "" && !strings.EqualFold(r.Host, dest.Host()) {
		return false
	}
	if r.Port != 0 && r.Port != dest.Port() {
		return false
	}
	return true
}

// AllowListPolicy rejects any destination that does not match at least one
// configured rule.
type AllowListPolicy struct {
	Rules []FilteringRule
}

// ValidateDestination returns nil if dest matches a configured rule, or an
// error identifying the rejected destination otherwise.
func (p AllowListPolicy) ValidateDestination(dest DestinationURL) error {
	for _, rule := range p.Rules {
		if rule.matches(dest) {
			return nil
		}
	}
	return errors.Errorf("destination %s is not present in the allow-list", dest)
}

// Config tunes the behavior of a Proxy. The zero value is usable: it denies
// nothing locally (AllowAllPolicy) and uses the protocol's recommended
// defaults for window size and packet size.
type Config struct {
	// Filtering validates every inbound OPEN's destination before a Stream
	// Resolver Task is spawned for it. Defaults to AllowAllPolicy.
	Filtering FilteringPolicy

	// Dialer resolves the "tcp" scheme to a connected stream. Defaults to
	// DefaultDialer, a net.Dialer with a 10s timeout.
	Dialer Dialer

	// Observer, if non-nil, receives one TrafficEvent per channel at the end
	// of its lifecycle. Optional; nil means no event is ever assembled.
	Observer TrafficEventObserver
}

const (
	// defaultInitialWindowSize is offered on every OPEN and OPEN-SUCCESS we
	// emit; 256 KiB comfortably exceeds the 4 KiB adjustment threshold so a
	// stream can make meaningful progress before needing a credit.
	defaultInitialWindowSize uint32 = 256 * 1024

	// defaultMaximumPacketSize is the largest DATA payload we ever offer,
	// sized so a full DATA frame (header, recipient id, length prefix,
	// payload) never exceeds MaximumPacketSize.
	defaultMaximumPacketSize uint16 = MaximumPacketSize - HeaderSize - dataFixedPartSize
)

func (c Config) filteringOrDefault() FilteringPolicy {
	if c.Filtering == nil {
		return AllowAllPolicy{}
	}
	return c.Filtering
}

func (c Config) dialerOrDefault() Dialer {
	if c.Dialer == nil {
		return DefaultDialer{}
	}
	return c.Dialer
}
