package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is an in-memory Session with a controllable state tree
type fakeSession struct {
	mu      sync.Mutex
	volumes map[string]float64
	mutes   map[string]bool
	solos   map[string]bool
	pans    map[string]float64
	floats  map[string]float64
	bools   map[string]bool
	strings map[string]string
	raw     map[string]float64
	linkErr error
	closed  bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		volumes: make(map[string]float64),
		mutes:   make(map[string]bool),
		solos:   make(map[string]bool),
		pans:    make(map[string]float64),
		floats:  make(map[string]float64),
		bools:   make(map[string]bool),
		strings: make(map[string]string),
		raw:     make(map[string]float64),
	}
}

func chKey(t string, ch int) string { return fmt.Sprintf("%s.%d", t, ch) }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) SetVolume(t string, ch int, v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[chKey(t, ch)] = v
	return nil
}

func (f *fakeSession) Volume(t string, ch int) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[chKey(t, ch)], nil
}

func (f *fakeSession) SetMute(t string, ch int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes[chKey(t, ch)] = on
	return nil
}

func (f *fakeSession) Mute(t string, ch int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutes[chKey(t, ch)], nil
}

func (f *fakeSession) SetSolo(t string, ch int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solos[chKey(t, ch)] = on
	return nil
}

func (f *fakeSession) Solo(t string, ch int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.solos[chKey(t, ch)], nil
}

func (f *fakeSession) SetPan(t string, ch int, v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pans[chKey(t, ch)] = v
	return nil
}

func (f *fakeSession) Pan(t string, ch int) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pans[chKey(t, ch)], nil
}

func (f *fakeSession) StateString(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strings[path], nil
}

func (f *fakeSession) StateFloat(path string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.floats[path], nil
}

func (f *fakeSession) StateBool(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return false, f.linkErr
	}
	return f.bools[path], nil
}

func (f *fakeSession) SendRaw(path string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw[path] = value
	return nil
}

func (f *fakeSession) setFloat(path string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.floats[path] = v
}

func (f *fakeSession) setBool(path string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bools[path] = v
}

func (f *fakeSession) volume(t string, ch int) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[chKey(t, ch)]
}

// fakeDialer hands out queued sessions, optionally gated on a release channel
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	errs     []error
	gates    []chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (Session, error) {
	d.mu.Lock()
	var gate chan struct{}
	if len(d.gates) > 0 {
		gate = d.gates[0]
		d.gates = d.gates[1:]
	}
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	var sess *fakeSession
	if err == nil && len(d.sessions) > 0 {
		sess = d.sessions[0]
		d.sessions = d.sessions[1:]
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.New("no session queued")
	}
	return sess, nil
}

func connectedSupervisor(t *testing.T, sess *fakeSession) *Supervisor {
	t.Helper()
	d := &fakeDialer{sessions: []*fakeSession{sess}}
	s := NewSupervisor(d)
	// Keep the pollers quiet unless a test drives them explicitly
	s.muteGroupEvery = time.Hour
	s.dcaEvery = time.Hour
	require.NoError(t, s.Connect(context.Background(), "10.0.0.2:80", time.Second))
	t.Cleanup(s.Disconnect)
	return s
}

func TestWritesFailReadsDegradeWhenDisconnected(t *testing.T) {
	s := NewSupervisor(&fakeDialer{})

	assert.ErrorIs(t, s.SetVolume("LINE", 1, 50), ErrNotConnected)
	assert.ErrorIs(t, s.SetMute("LINE", 1, true), ErrNotConnected)
	assert.ErrorIs(t, s.ToggleSolo("LINE", 1), ErrNotConnected)
	assert.ErrorIs(t, s.SetMuteGroup(1, true), ErrNotConnected)

	assert.Equal(t, 0.0, s.GetLevel("LINE", 1))
	assert.Equal(t, "", s.ChannelName("LINE", 1))
	assert.False(t, s.ChannelMute("LINE", 1))
	assert.False(t, s.ChannelLink("LINE", 1))
	assert.Equal(t, "", s.InputSource("LINE", 1))
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	d := &fakeDialer{errs: []error{errors.New("unreachable")}}
	s := NewSupervisor(d)

	err := s.Connect(context.Background(), "10.0.0.2:80", 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, Disconnected, s.State())
	assert.ErrorIs(t, s.SetVolume("LINE", 1, 1), ErrNotConnected)
}

func TestStereoLinkPropagation(t *testing.T) {
	sess := newFakeSession()
	sess.setBool("LINE.1.link", true)
	s := connectedSupervisor(t, sess)

	require.NoError(t, s.SetVolume("LINE", 1, 72))
	assert.Equal(t, 72.0, sess.volume("LINE", 1))
	assert.Equal(t, 72.0, sess.volume("LINE", 2), "linked right member mirrors the write")

	// The right member of a pair never propagates further
	require.NoError(t, s.SetVolume("LINE", 2, 30))
	assert.Equal(t, 72.0, sess.volume("LINE", 1))
	assert.Equal(t, 30.0, sess.volume("LINE", 2))
}

func TestLinkLookupFailureDegradesToUnlinked(t *testing.T) {
	sess := newFakeSession()
	sess.linkErr = errors.New("path read failed")
	s := connectedSupervisor(t, sess)

	require.NoError(t, s.SetVolume("LINE", 1, 72))
	assert.Equal(t, 72.0, sess.volume("LINE", 1))
	assert.Equal(t, 0.0, sess.volume("LINE", 2))
}

func TestOverlappingConnectsGenerationArbitration(t *testing.T) {
	slowSess := newFakeSession()
	fastSess := newFakeSession()
	gate := make(chan struct{})
	d := &fakeDialer{
		sessions: []*fakeSession{slowSess, fastSess},
		gates:    []chan struct{}{gate, nil},
	}
	s := NewSupervisor(d)
	s.muteGroupEvery = time.Hour
	s.dcaEvery = time.Hour
	defer s.Disconnect()

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- s.Connect(context.Background(), "10.0.0.2:80", 5*time.Second)
	}()

	// Wait for the slow attempt to be in flight, then start a newer one
	require.Eventually(t, func() bool { return s.Generation() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Connect(context.Background(), "10.0.0.3:80", time.Second))
	require.Equal(t, "10.0.0.3:80", s.Addr())

	// Release the slow attempt; its completion is stale and must be discarded
	close(gate)
	assert.ErrorIs(t, <-slowDone, ErrSuperseded)
	assert.Equal(t, "10.0.0.3:80", s.Addr(), "stale completion must not clobber the newer connection")
	assert.True(t, s.Connected())
	assert.True(t, slowSess.isClosed(), "superseded attempt closes what it opened")
	assert.False(t, fastSess.isClosed())
}

func TestMuteGroupRawWriteAndToggle(t *testing.T) {
	sess := newFakeSession()
	s := connectedSupervisor(t, sess)

	require.NoError(t, s.SetMuteGroup(3, true))
	sess.mu.Lock()
	assert.Equal(t, 1.0, sess.raw["mutegroup.3"])
	sess.mu.Unlock()
	assert.True(t, s.MuteGroupState(3))

	require.NoError(t, s.ToggleMuteGroup(3))
	sess.mu.Lock()
	assert.Equal(t, 0.0, sess.raw["mutegroup.3"])
	sess.mu.Unlock()
	assert.False(t, s.MuteGroupState(3))
}

func TestToggleMuteReadsCurrentState(t *testing.T) {
	sess := newFakeSession()
	sess.mutes["LINE.4"] = true
	s := connectedSupervisor(t, sess)

	require.NoError(t, s.ToggleMute("LINE", 4))
	sess.mu.Lock()
	assert.False(t, sess.mutes["LINE.4"])
	sess.mu.Unlock()
}

// pushSession is a fakeSession that also supports push subscription
type pushSession struct {
	*fakeSession
	push func(path, value string)
}

func (p *pushSession) OnPush(h func(path, value string)) { p.push = h }

type oneDialer struct{ sess Session }

func (d oneDialer) Dial(ctx context.Context, addr string) (Session, error) { return d.sess, nil }

func TestPushedFlagChangesReachHandler(t *testing.T) {
	ps := &pushSession{fakeSession: newFakeSession()}
	s := NewSupervisor(oneDialer{ps})
	s.muteGroupEvery = time.Hour
	s.dcaEvery = time.Hour

	var got []string
	s.OnChannelFlagChange(func(field, channelType string, channel int, on bool) {
		got = append(got, fmt.Sprintf("%s:%s:%d:%v", field, channelType, channel, on))
	})

	require.NoError(t, s.Connect(context.Background(), "10.0.0.2:80", time.Second))
	require.NotNil(t, ps.push, "supervisor must subscribe to push-capable sessions")

	ps.push("line.3.mute", "1")
	ps.push("line.3.solo", "0")
	ps.push("line.3.name", "Vox") // not a flag
	ps.push("line.x.mute", "1")   // unparsable channel
	assert.Equal(t, []string{"mute:line:3:true", "solo:line:3:false"}, got)

	s.Disconnect()
	ps.push("line.3.mute", "0")
	assert.Len(t, got, 2, "pushes after teardown are dropped")
}

func TestPushedVolumeReachesLevelHandler(t *testing.T) {
	ps := &pushSession{fakeSession: newFakeSession()}
	s := NewSupervisor(oneDialer{ps})
	s.muteGroupEvery = time.Hour
	s.dcaEvery = time.Hour

	var got []string
	s.OnLevelChange(func(channelType string, channel int, level float64) {
		got = append(got, fmt.Sprintf("%s:%d:%.1f", channelType, channel, level))
	})

	require.NoError(t, s.Connect(context.Background(), "10.0.0.2:80", time.Second))
	defer s.Disconnect()

	ps.push("line.1.volume", "42")
	ps.push("line.1.volume", "garbage") // unparsable level
	ps.push("line.1.name", "Vox")       // not a level
	assert.Equal(t, []string{"line:1:42.0"}, got)
}

func TestFailedReconnectClosesPreviousSession(t *testing.T) {
	first := newFakeSession()
	d := &fakeDialer{
		sessions: []*fakeSession{first},
		errs:     []error{nil, errors.New("unreachable")},
	}
	s := NewSupervisor(d)
	s.muteGroupEvery = time.Hour
	s.dcaEvery = time.Hour

	var lost []string
	s.OnConnectionLost(func(addr string) { lost = append(lost, addr) })

	require.NoError(t, s.Connect(context.Background(), "10.0.0.2:80", time.Second))

	// Reconnecting to an unreachable mixer must not strand the old session
	require.Error(t, s.Connect(context.Background(), "10.0.0.9:80", time.Second))
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, first.isClosed(), "previous session must be closed, not leaked")
	assert.Equal(t, []string{"10.0.0.2:80"}, lost)

	s.mu.Lock()
	running := s.pollStop != nil
	s.mu.Unlock()
	assert.False(t, running, "pollers must not outlive the session")
}

func TestInputSourceCategorization(t *testing.T) {
	assert.Equal(t, "local", categorizeInputSource(0))
	assert.Equal(t, "aux", categorizeInputSource(1))
	assert.Equal(t, "usb", categorizeInputSource(2))
	assert.Equal(t, "network", categorizeInputSource(3))
	assert.Equal(t, "network", categorizeInputSource(99))
}
