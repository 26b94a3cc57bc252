package mixer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// NumMuteGroups is the number of mixer mute groups the pollers watch
	NumMuteGroups = 8
	// NumDCAs is the number of DCA faders the pollers watch
	NumDCAs = 8
)

// Supervisor owns exactly one logical connection to a remote mixer. It runs
// the connect/disconnect state machine, arbitrates concurrent connection
// attempts through a generation counter, and runs the two change-detection
// pollers while connected. The session handle never leaves this type.
type Supervisor struct {
	mu         sync.Mutex
	dialer     Dialer
	sess       Session
	state      State
	addr       string
	generation uint64

	onMuteGroup   func(group int, active bool)
	onDCALevel    func(dca int, level float64)
	onLevel       func(channelType string, channel int, level float64)
	onChannelFlag func(field, channelType string, channel int, on bool)
	onLost        func(addr string)
	dcaMapped     func() bool

	muteGroups [NumMuteGroups]bool
	dcaLevels  [NumDCAs]float64

	muteGroupEvery time.Duration
	dcaEvery       time.Duration
	pollStop       chan struct{}
	pollWG         sync.WaitGroup

	log *logrus.Entry
}

// NewSupervisor creates a disconnected supervisor over the given dialer
func NewSupervisor(dialer Dialer) *Supervisor {
	return &Supervisor{
		dialer:         dialer,
		state:          Disconnected,
		muteGroupEvery: 200 * time.Millisecond,
		dcaEvery:       100 * time.Millisecond,
		log:            logrus.WithField("component", "mixer"),
	}
}

// OnMuteGroupChange sets the handler for polled mute-group state flips
func (s *Supervisor) OnMuteGroupChange(handler func(group int, active bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMuteGroup = handler
}

// OnDCALevelChange sets the handler for polled DCA level movements
func (s *Supervisor) OnDCALevelChange(handler func(dca int, level float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDCALevel = handler
}

// OnLevelChange sets the handler for pushed channel volume changes. Only
// sessions that support push deliver these; DCA moves arrive through the
// DCA poller instead.
func (s *Supervisor) OnLevelChange(handler func(channelType string, channel int, level float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLevel = handler
}

// OnChannelFlagChange sets the handler for pushed mute and solo flips.
// field is "mute" or "solo". Only sessions that support push deliver these.
func (s *Supervisor) OnChannelFlagChange(handler func(field, channelType string, channel int, on bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChannelFlag = handler
}

// OnConnectionLost sets the handler fired when Disconnect tears a live
// session down.
func (s *Supervisor) OnConnectionLost(handler func(addr string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLost = handler
}

// SetDCAMappedPredicate installs the cheap gate for the DCA poller: when it
// reports false the poller skips its reads entirely.
func (s *Supervisor) SetDCAMappedPredicate(pred func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dcaMapped = pred
}

// State returns the current connection state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a session is open
func (s *Supervisor) Connected() bool {
	return s.State() == Connected
}

// Addr returns the address of the current connection, if any
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Generation returns the live generation counter value
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Connect dials the mixer. Every call is a new connection request: it bumps
// the generation counter and captures the new value, and only the attempt
// whose captured value still equals the live counter at completion may
// install its session. A superseded attempt closes whatever it opened and
// returns ErrSuperseded with no other side effects.
func (s *Supervisor) Connect(ctx context.Context, addr string, timeout time.Duration) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.state = Connecting
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sess, err := s.dialer.Dial(dialCtx, addr)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		// A failed reconnect over a live connection must tear the old
		// session down like Disconnect would, not leave it open and
		// mirroring behind a Disconnected supervisor.
		old := s.sess
		oldAddr := s.addr
		s.sess = nil
		s.addr = ""
		s.state = Disconnected
		lost := s.onLost
		s.mu.Unlock()
		s.stopPollers()
		if old != nil {
			old.Close()
			if lost != nil {
				lost(oldAddr)
			}
		}
		return fmt.Errorf("mixer connect %s: %w", addr, err)
	}
	old := s.sess
	s.sess = sess
	s.addr = addr
	s.state = Connected
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.log.WithField("addr", addr).Info("mixer connected")

	if pn, ok := sess.(PushNotifier); ok {
		pn.OnPush(s.handlePush)
	}
	s.primePollerBaselines(sess)
	s.startPollers()
	return nil
}

// Disconnect closes the current session, stops the pollers, and invalidates
// any in-flight connection attempt.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.generation++
	sess := s.sess
	addr := s.addr
	s.sess = nil
	s.addr = ""
	s.state = Disconnected
	lost := s.onLost
	s.mu.Unlock()

	s.stopPollers()
	if sess != nil {
		sess.Close()
		s.log.WithField("addr", addr).Info("mixer disconnected")
		if lost != nil {
			lost(addr)
		}
	}
}

// handlePush routes pushed channel parameter changes to the level and flag
// handlers. Pushes arriving after the session was torn down are dropped.
func (s *Supervisor) handlePush(path, value string) {
	parts := strings.Split(path, ".")
	if len(parts) != 3 {
		return
	}
	channel, err := strconv.Atoi(parts[1])
	if err != nil {
		return
	}

	s.mu.Lock()
	levelHandler := s.onLevel
	flagHandler := s.onChannelFlag
	connected := s.state == Connected
	s.mu.Unlock()
	if !connected {
		return
	}

	switch parts[2] {
	case "volume":
		level, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return
		}
		if levelHandler != nil {
			levelHandler(parts[0], channel, level)
		}
	case "mute", "solo":
		if flagHandler != nil {
			flagHandler(parts[2], parts[0], channel, value == "1")
		}
	}
}

// session returns the open session or nil
func (s *Supervisor) session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil
	}
	return s.sess
}

// SetVolume writes a channel volume and mirrors it onto the right member of
// a linked stereo pair when the addressed channel is the left member. A
// failed link lookup degrades to "unlinked" for this update only.
func (s *Supervisor) SetVolume(channelType string, channel int, value float64) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	if err := sess.SetVolume(channelType, channel, value); err != nil {
		return err
	}
	if channel%2 == 1 {
		linked, err := sess.StateBool(statePath(channelType, channel, "link"))
		if err == nil && linked {
			if err := sess.SetVolume(channelType, channel+1, value); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"type": channelType, "channel": channel + 1,
				}).Warn("linked channel write failed")
			}
		}
	}
	return nil
}

// GetLevel reads a channel volume; 0 while disconnected
func (s *Supervisor) GetLevel(channelType string, channel int) float64 {
	sess := s.session()
	if sess == nil {
		return 0
	}
	v, err := sess.Volume(channelType, channel)
	if err != nil {
		return 0
	}
	return v
}

// SetMute writes a channel mute state
func (s *Supervisor) SetMute(channelType string, channel int, on bool) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.SetMute(channelType, channel, on)
}

// ToggleMute flips a channel mute state
func (s *Supervisor) ToggleMute(channelType string, channel int) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	on, err := sess.Mute(channelType, channel)
	if err != nil {
		return err
	}
	return sess.SetMute(channelType, channel, !on)
}

// SetSolo writes a channel solo state
func (s *Supervisor) SetSolo(channelType string, channel int, on bool) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.SetSolo(channelType, channel, on)
}

// ToggleSolo flips a channel solo state
func (s *Supervisor) ToggleSolo(channelType string, channel int) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	on, err := sess.Solo(channelType, channel)
	if err != nil {
		return err
	}
	return sess.SetSolo(channelType, channel, !on)
}

// SetPan writes a channel pan position (0-100, 50 = center)
func (s *Supervisor) SetPan(channelType string, channel int, value float64) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.SetPan(channelType, channel, value)
}

// SetMuteGroup writes a mute-group state through the raw parameter path;
// the protocol has no typed setter for mute groups.
func (s *Supervisor) SetMuteGroup(group int, on bool) error {
	sess := s.session()
	if sess == nil {
		return ErrNotConnected
	}
	value := 0.0
	if on {
		value = 1.0
	}
	if err := sess.SendRaw(fmt.Sprintf("mutegroup.%d", group), value); err != nil {
		return err
	}
	s.mu.Lock()
	if group >= 1 && group <= NumMuteGroups {
		s.muteGroups[group-1] = on
	}
	s.mu.Unlock()
	return nil
}

// ToggleMuteGroup flips a mute group based on its last observed state
func (s *Supervisor) ToggleMuteGroup(group int) error {
	s.mu.Lock()
	var current bool
	if group >= 1 && group <= NumMuteGroups {
		current = s.muteGroups[group-1]
	}
	s.mu.Unlock()
	return s.SetMuteGroup(group, !current)
}

// MuteGroupState returns the last observed state of one mute group
func (s *Supervisor) MuteGroupState(group int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group < 1 || group > NumMuteGroups {
		return false
	}
	return s.muteGroups[group-1]
}

// --- Read accessors. All of them degrade to a neutral empty value while
// disconnected so callers can poll opportunistically without guarding.

// ChannelName returns the mixer-side channel label
func (s *Supervisor) ChannelName(channelType string, channel int) string {
	return s.readString(statePath(channelType, channel, "name"))
}

// ChannelColor returns the mixer-side channel color name
func (s *Supervisor) ChannelColor(channelType string, channel int) string {
	return s.readString(statePath(channelType, channel, "color"))
}

// ChannelIcon returns the mixer-side channel icon name
func (s *Supervisor) ChannelIcon(channelType string, channel int) string {
	return s.readString(statePath(channelType, channel, "icon"))
}

// ChannelMute returns the channel mute state
func (s *Supervisor) ChannelMute(channelType string, channel int) bool {
	sess := s.session()
	if sess == nil {
		return false
	}
	on, err := sess.Mute(channelType, channel)
	if err != nil {
		return false
	}
	return on
}

// ChannelSolo returns the channel solo state
func (s *Supervisor) ChannelSolo(channelType string, channel int) bool {
	sess := s.session()
	if sess == nil {
		return false
	}
	on, err := sess.Solo(channelType, channel)
	if err != nil {
		return false
	}
	return on
}

// ChannelLink reports whether the channel is part of a stereo pair
func (s *Supervisor) ChannelLink(channelType string, channel int) bool {
	sess := s.session()
	if sess == nil {
		return false
	}
	linked, err := sess.StateBool(statePath(channelType, channel, "link"))
	if err != nil {
		return false
	}
	return linked
}

// DCAAssignment returns the DCA membership bitmask of a channel
func (s *Supervisor) DCAAssignment(channelType string, channel int) int {
	return int(s.readFloat(statePath(channelType, channel, "dca")))
}

// AutoFilterGroup returns the auto-filter group a channel belongs to,
// 0 when unassigned.
func (s *Supervisor) AutoFilterGroup(channelType string, channel int) int {
	return int(s.readFloat(statePath(channelType, channel, "autofilter")))
}

// MuteGroupAssignment returns the serialized channel list of a mute group
func (s *Supervisor) MuteGroupAssignment(group int) string {
	return s.readString(fmt.Sprintf("mutegroup.%d.assign", group))
}

// InputSourceThresholds separates the discrete input-source categories on
// the raw source parameter. The breakpoints were observed from device
// behavior rather than documented, so they are variables, not constants.
var (
	InputSourceThresholds = []float64{0.5, 1.5, 2.5}
	InputSourceLabels     = []string{"local", "aux", "usb", "network"}
)

// InputSource returns the categorized input source of a channel
func (s *Supervisor) InputSource(channelType string, channel int) string {
	sess := s.session()
	if sess == nil {
		return ""
	}
	raw, err := sess.StateFloat(statePath(channelType, channel, "inputsrc"))
	if err != nil {
		return ""
	}
	return categorizeInputSource(raw)
}

func categorizeInputSource(raw float64) string {
	for i, limit := range InputSourceThresholds {
		if raw < limit {
			return InputSourceLabels[i]
		}
	}
	return InputSourceLabels[len(InputSourceLabels)-1]
}

func (s *Supervisor) readString(path string) string {
	sess := s.session()
	if sess == nil {
		return ""
	}
	v, err := sess.StateString(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func (s *Supervisor) readFloat(path string) float64 {
	sess := s.session()
	if sess == nil {
		return 0
	}
	v, err := sess.StateFloat(path)
	if err != nil {
		return 0
	}
	return v
}
