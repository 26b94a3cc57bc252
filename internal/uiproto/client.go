// Package uiproto is a thin adapter for the mixer's text control protocol.
// Parameters live in a flat path space; the mixer pushes every change as a
// "SETD^<path>^<value>" line and accepts the same shape as a write. The
// session keeps a mirror of pushed state so reads never need a round trip.
package uiproto

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"mixbridge/internal/mixer"
)

// DefaultPort is the mixer's control port
const DefaultPort = 80

// Dialer opens control sessions over TCP
type Dialer struct{}

// Dial connects to the mixer and starts mirroring its pushed state. The
// context deadline bounds the TCP connect; the mixer's initial state dump
// arrives asynchronously after the session is returned.
func (Dialer) Dial(ctx context.Context, addr string) (mixer.Session, error) {
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, DefaultPort)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &session{
		conn:  conn,
		state: make(map[string]string),
		log:   logrus.WithFields(logrus.Fields{"component": "uiproto", "addr": addr}),
	}
	go s.readLoop()
	return s, nil
}

type session struct {
	conn net.Conn

	mu     sync.Mutex
	state  map[string]string
	onPush func(path, value string)
	closed bool

	log *logrus.Entry
}

// OnPush sets the handler invoked for every parameter the mixer pushes.
// Local writes do not fire it; only the remote stream does.
func (s *session) OnPush(handler func(path, value string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPush = handler
}

// readLoop mirrors pushed parameter updates into the state map until the
// connection drops.
func (s *session) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "^", 3)
		if len(parts) != 3 || parts[0] != "SETD" {
			continue
		}
		s.mu.Lock()
		s.state[parts[1]] = parts[2]
		push := s.onPush
		s.mu.Unlock()
		if push != nil {
			push(parts[1], parts[2])
		}
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.log.WithError(scanner.Err()).Debug("mixer stream ended")
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// send writes one parameter and mirrors it locally so a read-after-write
// sees the new value before the mixer echoes it back.
func (s *session) send(path, value string) error {
	if _, err := fmt.Fprintf(s.conn, "SETD^%s^%s\n", path, value); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.mu.Lock()
	s.state[path] = value
	s.mu.Unlock()
	return nil
}

func (s *session) get(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[path]
	return v, ok
}

func chPath(channelType string, channel int, field string) string {
	return fmt.Sprintf("%s.%d.%s", strings.ToLower(channelType), channel, field)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatBool(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

func (s *session) SetVolume(channelType string, channel int, value float64) error {
	return s.send(chPath(channelType, channel, "volume"), formatFloat(value))
}

func (s *session) Volume(channelType string, channel int) (float64, error) {
	return s.StateFloat(chPath(channelType, channel, "volume"))
}

func (s *session) SetMute(channelType string, channel int, on bool) error {
	return s.send(chPath(channelType, channel, "mute"), formatBool(on))
}

func (s *session) Mute(channelType string, channel int) (bool, error) {
	return s.StateBool(chPath(channelType, channel, "mute"))
}

func (s *session) SetSolo(channelType string, channel int, on bool) error {
	return s.send(chPath(channelType, channel, "solo"), formatBool(on))
}

func (s *session) Solo(channelType string, channel int) (bool, error) {
	return s.StateBool(chPath(channelType, channel, "solo"))
}

func (s *session) SetPan(channelType string, channel int, value float64) error {
	return s.send(chPath(channelType, channel, "pan"), formatFloat(value))
}

func (s *session) Pan(channelType string, channel int) (float64, error) {
	return s.StateFloat(chPath(channelType, channel, "pan"))
}

func (s *session) StateString(path string) (string, error) {
	v, _ := s.get(strings.ToLower(path))
	return v, nil
}

// StateFloat reads a numeric parameter; a path the mixer has not pushed yet
// reads as zero.
func (s *session) StateFloat(path string) (float64, error) {
	v, ok := s.get(strings.ToLower(path))
	if !ok {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", path, v, err)
	}
	return f, nil
}

func (s *session) StateBool(path string) (bool, error) {
	v, ok := s.get(strings.ToLower(path))
	if !ok {
		return false, nil
	}
	return v == "1" || strings.EqualFold(v, "true"), nil
}

func (s *session) SendRaw(path string, value float64) error {
	return s.send(strings.ToLower(path), formatFloat(value))
}
