package uiproto

import (
	"context"
	"net"
	"strings"
	"time"

	"mixbridge/internal/discovery"
)

// AnnouncePort is the UDP port mixers broadcast their presence on
const AnnouncePort = 5353

// AnnounceSource listens for mixer broadcast packets and feeds them to the
// discovery scanner. Packets look like "MIXER^<model>^<serial>^<name>"; the
// announced IP is taken from the packet's source address.
type AnnounceSource struct{}

// Listen receives announcements until the context is done
func (AnnounceSource) Listen(ctx context.Context, emit func(discovery.Candidate)) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: AnnouncePort})
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 512)
	for {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		parts := strings.Split(strings.TrimSpace(string(buf[:n])), "^")
		if len(parts) < 2 || parts[0] != "MIXER" {
			continue
		}
		c := discovery.Candidate{IP: src.IP.String(), Model: parts[1]}
		if len(parts) > 2 {
			c.Serial = parts[2]
		}
		if len(parts) > 3 {
			c.Name = parts[3]
		}
		emit(c)
	}
}
