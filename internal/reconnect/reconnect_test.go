package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixbridge/internal/mapping"
	"mixbridge/internal/midimux"
	"mixbridge/internal/mixer"
)

// stubPorts is a minimal midimux.Ports for exercising the MIDI loop
type stubPorts struct {
	mu  sync.Mutex
	ins []string
}

func (p *stubPorts) InPorts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ins...)
}

func (p *stubPorts) OutPorts() []string { return nil }

func (p *stubPorts) OpenIn(name string) (midimux.In, error) {
	for _, n := range p.InPorts() {
		if n == name {
			return stubIn{}, nil
		}
	}
	return nil, errors.New("port not found")
}

func (p *stubPorts) OpenOut(name string) (midimux.Out, error) {
	return nil, errors.New("port not found")
}

func (p *stubPorts) setIns(ins []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ins = ins
}

type stubIn struct{}

func (stubIn) Listen(func(mapping.MidiEvent)) (func(), error) {
	return func() {}, nil
}

// funcDialer delegates to a per-test closure
type funcDialer struct {
	dial func(ctx context.Context, addr string) (mixer.Session, error)
}

func (d *funcDialer) Dial(ctx context.Context, addr string) (mixer.Session, error) {
	return d.dial(ctx, addr)
}

// nullSession satisfies mixer.Session with neutral values
type nullSession struct{}

func (nullSession) Close() error                         { return nil }
func (nullSession) SetVolume(string, int, float64) error { return nil }
func (nullSession) Volume(string, int) (float64, error)  { return 0, nil }
func (nullSession) SetMute(string, int, bool) error      { return nil }
func (nullSession) Mute(string, int) (bool, error)       { return false, nil }
func (nullSession) SetSolo(string, int, bool) error      { return nil }
func (nullSession) Solo(string, int) (bool, error)       { return false, nil }
func (nullSession) SetPan(string, int, float64) error    { return nil }
func (nullSession) Pan(string, int) (float64, error)     { return 0, nil }
func (nullSession) StateString(string) (string, error)   { return "", nil }
func (nullSession) StateFloat(string) (float64, error)   { return 0, nil }
func (nullSession) StateBool(string) (bool, error)       { return false, nil }
func (nullSession) SendRaw(string, float64) error        { return nil }

func TestMidiTickConnectsPreferredDevices(t *testing.T) {
	ports := &stubPorts{ins: []string{"X-Touch", "nanoKONTROL"}}
	mux := midimux.New(ports)
	defer mux.Close()

	r := New(mux, mixer.NewSupervisor(&funcDialer{}))
	r.SetPreferredDevices([]string{"X-Touch", "Launchpad"}) // Launchpad not plugged in

	r.midiTick()
	assert.Equal(t, []string{"X-Touch"}, mux.Connected())

	// A repeated tick must not disturb the existing connection
	r.midiTick()
	assert.Equal(t, []string{"X-Touch"}, mux.Connected())

	// The missing device connects once it becomes enumerable
	ports.setIns([]string{"X-Touch", "Launchpad"})
	r.midiTick()
	assert.Equal(t, []string{"Launchpad", "X-Touch"}, mux.Connected())
}

func TestWatchTickEvictsUnpluggedDevices(t *testing.T) {
	ports := &stubPorts{ins: []string{"X-Touch"}}
	mux := midimux.New(ports)
	defer mux.Close()

	var lost []string
	mux.OnDeviceLost(func(device string) { lost = append(lost, device) })

	r := New(mux, mixer.NewSupervisor(&funcDialer{}))
	r.SetPreferredDevices([]string{"X-Touch"})
	r.midiTick()
	require.Equal(t, []string{"X-Touch"}, mux.Connected())

	ports.setIns(nil)
	r.watchTick()
	assert.Equal(t, []string{"X-Touch"}, lost)
}

func TestMixerTickBusyGuard(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	d := &funcDialer{dial: func(ctx context.Context, addr string) (mixer.Session, error) {
		dials.Add(1)
		select {
		case <-release:
			return nullSession{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}

	r := New(midimux.New(&stubPorts{}), mixer.NewSupervisor(d))
	r.SetPreferredAddr("10.0.0.2:80")

	r.mixerTick()
	require.Eventually(t, func() bool { return dials.Load() == 1 }, time.Second, time.Millisecond)

	// The first attempt is still in flight: the guard must swallow this tick
	r.mixerTick()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load(), "overlapping automatic attempts must not stack")

	close(release)
	require.Eventually(t, func() bool { return r.sup.Connected() }, time.Second, time.Millisecond)
	defer r.sup.Disconnect()
}

func TestMixerTickSkipsWithoutPreferredAddr(t *testing.T) {
	var dials atomic.Int32
	d := &funcDialer{dial: func(ctx context.Context, addr string) (mixer.Session, error) {
		dials.Add(1)
		return nullSession{}, nil
	}}
	r := New(midimux.New(&stubPorts{}), mixer.NewSupervisor(d))

	r.mixerTick()
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, dials.Load())
}

func TestUserConnectSupersedesAutomaticAttempt(t *testing.T) {
	release := make(chan struct{})
	d := &funcDialer{dial: func(ctx context.Context, addr string) (mixer.Session, error) {
		if addr == "10.0.0.2:80" { // the slow automatic target
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nullSession{}, nil
	}}

	r := New(midimux.New(&stubPorts{}), mixer.NewSupervisor(d))
	defer r.sup.Disconnect()
	r.SetPreferredAddr("10.0.0.2:80")

	var restored []string
	var mu sync.Mutex
	r.OnConnectionRestored(func(addr string) {
		mu.Lock()
		restored = append(restored, addr)
		mu.Unlock()
	})

	// Automatic attempt hangs on the slow mixer
	r.mixerTick()
	require.Eventually(t, func() bool { return r.sup.Generation() == 1 }, time.Second, time.Millisecond)

	// The user picks a different mixer; this bypasses the busy guard
	require.NoError(t, r.UserConnect(context.Background(), "10.0.0.9:80"))
	assert.Equal(t, "10.0.0.9:80", r.PreferredAddr())
	assert.Equal(t, "10.0.0.9:80", r.sup.Addr())

	// The slow automatic attempt completes stale and must change nothing
	close(release)
	require.Eventually(t, func() bool { return !r.busy.Load() }, time.Second, time.Millisecond)
	assert.Equal(t, "10.0.0.9:80", r.sup.Addr())
	assert.Equal(t, "10.0.0.9:80", r.PreferredAddr())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"10.0.0.9:80"}, restored, "only the winning connect reports restoration")
}

func TestStartStopIsAPair(t *testing.T) {
	r := New(midimux.New(&stubPorts{}), mixer.NewSupervisor(&funcDialer{}))
	r.midiEvery = time.Millisecond
	r.mixerEvery = time.Millisecond
	r.watchEvery = time.Millisecond

	r.Start()
	r.Start() // idempotent
	time.Sleep(10 * time.Millisecond)
	r.Stop()
	r.Stop() // idempotent
}
