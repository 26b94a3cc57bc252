package midimux

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"mixbridge/internal/mapping"
)

// Multiplexer manages any number of simultaneously connected MIDI input and
// output ports and merges their traffic into one event stream tagged with
// the originating device name. Port handles are owned exclusively here;
// nothing else touches the driver.
type Multiplexer struct {
	mu           sync.Mutex
	ports        Ports
	inputs       map[string]*openInput
	outputs      map[string]Out
	onEvent      func(mapping.MidiEvent)
	onDeviceLost func(device string)
	scan         *scanSession
	log          *logrus.Entry
}

type openInput struct {
	stop func()
}

// scanSession holds the transient state of one scan-all pass
type scanSession struct {
	fireOnce sync.Once
	onFirst  func(mapping.MidiEvent)
	// stops for scan-only handles opened on ports that were not already
	// connected; already-open ports are tapped, not reopened.
	tempStops []func()
}

// New creates a multiplexer over the given port enumerator
func New(ports Ports) *Multiplexer {
	return &Multiplexer{
		ports:   ports,
		inputs:  make(map[string]*openInput),
		outputs: make(map[string]Out),
		log:     logrus.WithField("component", "midimux"),
	}
}

// OnEvent sets the unified event handler for all connected inputs
func (m *Multiplexer) OnEvent(handler func(mapping.MidiEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = handler
}

// OnDeviceLost sets the handler fired once per evicted vanished device
func (m *Multiplexer) OnDeviceLost(handler func(device string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDeviceLost = handler
}

// Connect opens the named input port and starts forwarding its messages.
// Connecting an already-connected device is a no-op; connecting a second
// device leaves the first untouched.
func (m *Multiplexer) Connect(device string) error {
	m.mu.Lock()
	if _, ok := m.inputs[device]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	in, err := m.ports.OpenIn(device)
	if err != nil {
		return err
	}
	stop, err := in.Listen(m.dispatch)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inputs[device]; ok {
		// Lost the race to another Connect for the same device
		stop()
		return nil
	}
	m.inputs[device] = &openInput{stop: stop}
	m.log.WithField("device", device).Info("midi input connected")
	return nil
}

// ConnectOutput opens the named output port. Idempotent like Connect.
func (m *Multiplexer) ConnectOutput(device string) error {
	m.mu.Lock()
	if _, ok := m.outputs[device]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	out, err := m.ports.OpenOut(device)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outputs[device]; !ok {
		m.outputs[device] = out
		m.log.WithField("device", device).Info("midi output connected")
	}
	return nil
}

// Disconnect stops and removes an input port. Unknown devices are a no-op.
func (m *Multiplexer) Disconnect(device string) {
	m.mu.Lock()
	in, ok := m.inputs[device]
	delete(m.inputs, device)
	delete(m.outputs, device)
	m.mu.Unlock()
	if ok {
		in.stop()
	}
}

// dispatch forwards one normalized event. A running scan session taps the
// stream but never disturbs normal per-device forwarding.
func (m *Multiplexer) dispatch(ev mapping.MidiEvent) {
	m.mu.Lock()
	scan := m.scan
	handler := m.onEvent
	m.mu.Unlock()

	if scan != nil {
		m.fireScan(scan, ev)
	}
	if handler != nil {
		handler(ev)
	}
}

// Connected re-enumerates ports, evicts vanished devices, and returns the
// sorted names of the inputs that survived.
func (m *Multiplexer) Connected() []string {
	m.PruneVanished()

	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.inputs))
	for name := range m.inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AvailableInputs lists the input port names the driver currently sees
func (m *Multiplexer) AvailableInputs() []string {
	return m.ports.InPorts()
}

// AvailableOutputs lists the output port names the driver currently sees
func (m *Multiplexer) AvailableOutputs() []string {
	return m.ports.OutPorts()
}

// PruneVanished evicts connected ports whose names have disappeared from
// the OS-level enumeration. The transport can drop a port silently when a
// device unplugs, so this runs on every status query and on a timer. Each
// eviction fires the device-lost handler exactly once.
func (m *Multiplexer) PruneVanished() {
	availIn := toSet(m.ports.InPorts())
	availOut := toSet(m.ports.OutPorts())

	m.mu.Lock()
	var lost []string
	var stops []func()
	for name, in := range m.inputs {
		if !availIn[name] {
			stops = append(stops, in.stop)
			delete(m.inputs, name)
			lost = append(lost, name)
		}
	}
	for name := range m.outputs {
		if !availOut[name] {
			delete(m.outputs, name)
			if !containsString(lost, name) && !availIn[name] {
				lost = append(lost, name)
			}
		}
	}
	handler := m.onDeviceLost
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	sort.Strings(lost)
	for _, name := range lost {
		m.log.WithField("device", name).Warn("midi device vanished")
		if handler != nil {
			handler(name)
		}
	}
}

// StartScan opens temporary listeners on every enumerable input port for
// auto-learn. Ports already connected here are tapped through their existing
// handles; reopening an open port duplicates every message on some
// platforms. The first message from any port fires onFirst once and stops
// the scan. The returned stop function is idempotent and may be called
// whether or not the scan already stopped itself.
func (m *Multiplexer) StartScan(onFirst func(mapping.MidiEvent)) (func(), error) {
	session := &scanSession{onFirst: onFirst}

	m.mu.Lock()
	if m.scan != nil {
		prev := m.scan
		m.mu.Unlock()
		m.stopScan(prev)
		m.mu.Lock()
	}
	m.scan = session
	connected := make(map[string]bool, len(m.inputs))
	for name := range m.inputs {
		connected[name] = true
	}
	m.mu.Unlock()

	for _, name := range m.ports.InPorts() {
		if connected[name] {
			continue
		}
		in, err := m.ports.OpenIn(name)
		if err != nil {
			m.log.WithField("device", name).WithError(err).Debug("scan: cannot open port")
			continue
		}
		stop, err := in.Listen(func(ev mapping.MidiEvent) {
			m.fireScan(session, ev)
		})
		if err != nil {
			m.log.WithField("device", name).WithError(err).Debug("scan: cannot listen")
			continue
		}
		m.mu.Lock()
		session.tempStops = append(session.tempStops, stop)
		active := m.scan == session
		m.mu.Unlock()
		if !active {
			// Scan ended while we were still opening ports
			stop()
			return func() {}, nil
		}
	}

	return func() { m.stopScan(session) }, nil
}

// fireScan delivers the first scanned message exactly once, then tears the
// session down.
func (m *Multiplexer) fireScan(session *scanSession, ev mapping.MidiEvent) {
	session.fireOnce.Do(func() {
		if session.onFirst != nil {
			session.onFirst(ev)
		}
		go m.stopScan(session)
	})
}

// stopScan detaches the session and closes its scan-only handles. Taking
// the pending stop list under the lock makes it safe to call any number of
// times, from the self-stop path and from the caller's cleanup alike.
func (m *Multiplexer) stopScan(session *scanSession) {
	m.mu.Lock()
	if m.scan == session {
		m.scan = nil
	}
	stops := session.tempStops
	session.tempStops = nil
	m.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// SendCC sends a Control Change to the named output, or to every open
// output when device is empty. Feedback is best-effort: missing devices and
// send failures are silent no-ops.
func (m *Multiplexer) SendCC(device string, channel, controller, value uint8) {
	for _, out := range m.targets(device) {
		_ = out.SendCC(channel, controller, value)
	}
}

// SendNoteOn sends a Note On, with the same fan-out rules as SendCC
func (m *Multiplexer) SendNoteOn(device string, channel, note, velocity uint8) {
	for _, out := range m.targets(device) {
		_ = out.SendNoteOn(channel, note, velocity)
	}
}

// SendNoteOff sends a Note Off, with the same fan-out rules as SendCC
func (m *Multiplexer) SendNoteOff(device string, channel, note uint8) {
	for _, out := range m.targets(device) {
		_ = out.SendNoteOff(channel, note)
	}
}

func (m *Multiplexer) targets(device string) []Out {
	m.mu.Lock()
	defer m.mu.Unlock()
	if device != "" {
		if out, ok := m.outputs[device]; ok {
			return []Out{out}
		}
		return nil
	}
	outs := make([]Out, 0, len(m.outputs))
	for _, out := range m.outputs {
		outs = append(outs, out)
	}
	return outs
}

// Close stops every input listener and drops all handles
func (m *Multiplexer) Close() {
	m.mu.Lock()
	scan := m.scan
	inputs := m.inputs
	m.inputs = make(map[string]*openInput)
	m.outputs = make(map[string]Out)
	m.mu.Unlock()

	if scan != nil {
		m.stopScan(scan)
	}
	for _, in := range inputs {
		in.stop()
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
