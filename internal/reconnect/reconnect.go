// Package reconnect keeps the MIDI side and the mixer side of the bridge
// independently connected. Two retry loops and a fast availability poll run
// on their own cadences so a slow mixer timeout never delays MIDI recovery,
// and vice versa.
package reconnect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mixbridge/internal/midimux"
	"mixbridge/internal/mixer"
)

const (
	defaultMidiEvery      = 3 * time.Second
	defaultMixerEvery     = 3 * time.Second
	defaultWatchEvery     = 2 * time.Second
	defaultConnectTimeout = 5 * time.Second
)

// Reconnector drives automatic reconnection for both transports and
// arbitrates with user-initiated connects through the supervisor's
// generation counter.
type Reconnector struct {
	mux *midimux.Multiplexer
	sup *mixer.Supervisor

	mu               sync.Mutex
	preferredDevices []string
	preferredAddr    string
	onRestored       func(addr string)

	midiEvery      time.Duration
	mixerEvery     time.Duration
	watchEvery     time.Duration
	connectTimeout time.Duration

	// busy guards overlapping automatic mixer attempts; a slow timeout on
	// one attempt must not stack with the next tick. User connects bypass it.
	busy atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

// New creates a stopped reconnector over the two transport managers
func New(mux *midimux.Multiplexer, sup *mixer.Supervisor) *Reconnector {
	return &Reconnector{
		mux:            mux,
		sup:            sup,
		midiEvery:      defaultMidiEvery,
		mixerEvery:     defaultMixerEvery,
		watchEvery:     defaultWatchEvery,
		connectTimeout: defaultConnectTimeout,
		log:            logrus.WithField("component", "reconnect"),
	}
}

// SetPreferredDevices replaces the MIDI device names the loop keeps connected
func (r *Reconnector) SetPreferredDevices(devices []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferredDevices = append([]string(nil), devices...)
}

// SetPreferredAddr sets the mixer address the loop keeps connected
func (r *Reconnector) SetPreferredAddr(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferredAddr = addr
}

// PreferredAddr returns the current preferred mixer address
func (r *Reconnector) PreferredAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preferredAddr
}

// OnConnectionRestored sets the handler fired when a mixer connection comes
// back, automatically or by user request.
func (r *Reconnector) OnConnectionRestored(handler func(addr string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRestored = handler
}

// Start launches the MIDI retry loop, the mixer retry loop, and the fast
// availability watch.
func (r *Reconnector) Start() {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.stop = stop
	r.mu.Unlock()

	r.wg.Add(3)
	go r.loop(stop, r.midiEvery, r.midiTick)
	go r.loop(stop, r.mixerEvery, r.mixerTick)
	go r.loop(stop, r.watchEvery, r.watchTick)
}

// Stop cancels all loops together and waits for them to exit. Partial
// teardown is not a valid state; this is the only way to stop the timers.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
		r.wg.Wait()
	}
}

func (r *Reconnector) loop(stop chan struct{}, every time.Duration, tick func()) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// midiTick connects every preferred device that is enumerable but not
// connected. Failures are swallowed and retried next tick.
func (r *Reconnector) midiTick() {
	r.mu.Lock()
	preferred := append([]string(nil), r.preferredDevices...)
	r.mu.Unlock()
	if len(preferred) == 0 {
		return
	}

	available := make(map[string]bool)
	for _, name := range r.mux.AvailableInputs() {
		available[name] = true
	}
	connected := make(map[string]bool)
	for _, name := range r.mux.Connected() {
		connected[name] = true
	}

	for _, device := range preferred {
		if connected[device] || !available[device] {
			continue
		}
		if err := r.mux.Connect(device); err != nil {
			r.log.WithField("device", device).WithError(err).Debug("midi reconnect failed")
			continue
		}
		// Feedback output is best-effort; not every surface has one
		_ = r.mux.ConnectOutput(device)
		r.log.WithField("device", device).Info("midi device reconnected")
	}
}

// mixerTick starts one automatic connection attempt when disconnected and
// none is already in flight.
func (r *Reconnector) mixerTick() {
	if r.sup.Connected() {
		return
	}
	r.mu.Lock()
	addr := r.preferredAddr
	r.mu.Unlock()
	if addr == "" {
		return
	}
	if !r.busy.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer r.busy.Store(false)
		err := r.sup.Connect(context.Background(), addr, r.connectTimeout)
		if err != nil {
			// ErrSuperseded means a newer attempt won; both outcomes just
			// wait for the next tick.
			r.log.WithField("addr", addr).WithError(err).Debug("mixer reconnect failed")
			return
		}
		r.restored(addr)
	}()
}

// UserConnect runs a user-initiated connection request. It proceeds
// immediately regardless of the busy guard; the supervisor bumps the
// generation counter first, so any in-flight automatic attempt completes
// stale and is discarded.
func (r *Reconnector) UserConnect(ctx context.Context, addr string) error {
	err := r.sup.Connect(ctx, addr, r.connectTimeout)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.preferredAddr = addr
	r.mu.Unlock()
	r.restored(addr)
	return nil
}

// watchTick re-validates MIDI port availability to catch physical unplugs
// promptly, decoupled from the reconnect cadence.
func (r *Reconnector) watchTick() {
	r.mux.PruneVanished()
}

func (r *Reconnector) restored(addr string) {
	r.mu.Lock()
	handler := r.onRestored
	r.mu.Unlock()
	if handler != nil {
		handler(addr)
	}
}
