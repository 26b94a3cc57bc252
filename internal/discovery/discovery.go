// Package discovery locates mixers announcing themselves on the local
// network. It wraps the protocol collaborator's raw announcement stream
// with deduplication and a filter against the host's own interface
// addresses, and streams surviving candidates to the caller as they arrive.
package discovery

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Candidate is one discovered mixer
type Candidate struct {
	IP     string `json:"ip"`
	Serial string `json:"serial,omitempty"`
	Model  string `json:"model,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Source streams raw mixer announcements until the context is done. The
// underlying broadcast listener is an external dependency.
type Source interface {
	Listen(ctx context.Context, emit func(Candidate)) error
}

// Scanner performs bounded-time scans over a Source
type Scanner struct {
	src Source
	// localAddrs is swappable for tests; defaults to the OS interface list
	localAddrs func() map[string]bool
	log        *logrus.Entry
}

// NewScanner creates a scanner over the given announcement source
func NewScanner(src Source) *Scanner {
	return &Scanner{
		src:        src,
		localAddrs: interfaceAddrs,
		log:        logrus.WithField("component", "discovery"),
	}
}

// Scan listens for announcements for at most the given duration and invokes
// onFound for each new candidate as it arrives, enabling progressive result
// display. Candidates are deduplicated by serial number when present,
// otherwise by IP, and announcements originating from one of this host's
// own interface addresses are dropped: those are the application's own
// broadcast loopback, not a mixer. The full deduplicated list is returned
// when the scan window closes.
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration, onFound func(Candidate)) ([]Candidate, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var results []Candidate
	seenSerial := make(map[string]bool)
	seenIP := make(map[string]bool)

	err := s.src.Listen(scanCtx, func(c Candidate) {
		// The active interface set can change mid-scan (VPN up/down,
		// adapters), so the local address list is recomputed per packet.
		if s.localAddrs()[c.IP] {
			return
		}

		// The two dedup rules are independent: serial-bearing announcements
		// never claim the IP table, so a later serial-less announcement from
		// the same address is still evaluated on its own.
		if c.Serial != "" {
			if seenSerial[c.Serial] {
				return
			}
			seenSerial[c.Serial] = true
		} else {
			if seenIP[c.IP] {
				return
			}
			seenIP[c.IP] = true
		}

		s.log.WithFields(logrus.Fields{"ip": c.IP, "serial": c.Serial}).Debug("mixer discovered")
		results = append(results, c)
		if onFound != nil {
			onFound(c)
		}
	})

	// The deadline expiring is the normal end of a scan, not a failure
	if err != nil && scanCtx.Err() == nil {
		return results, err
	}
	return results, nil
}

// interfaceAddrs returns the host's current interface IP addresses
func interfaceAddrs() map[string]bool {
	addrs := make(map[string]bool)
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return addrs
	}
	for _, a := range ifAddrs {
		switch v := a.(type) {
		case *net.IPNet:
			addrs[v.IP.String()] = true
		case *net.IPAddr:
			addrs[v.IP.String()] = true
		}
	}
	return addrs
}
