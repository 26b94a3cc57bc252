package midimux

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"mixbridge/internal/mapping"
)

// In is one open MIDI input port
type In interface {
	// Listen starts delivering normalized events until the returned stop
	// function is called.
	Listen(handler func(mapping.MidiEvent)) (stop func(), err error)
}

// Out is one open MIDI output port
type Out interface {
	SendCC(channel, controller, value uint8) error
	SendNoteOn(channel, note, velocity uint8) error
	SendNoteOff(channel, note uint8) error
}

// Ports abstracts MIDI port enumeration and opening so the multiplexer can
// be tested without a real driver.
type Ports interface {
	InPorts() []string
	OutPorts() []string
	OpenIn(name string) (In, error)
	OpenOut(name string) (Out, error)
}

// DriverPorts implements Ports on top of the registered gomidi driver
type DriverPorts struct{}

// NewDriverPorts returns the live driver-backed port enumerator
func NewDriverPorts() *DriverPorts {
	return &DriverPorts{}
}

// Close shuts down the underlying MIDI driver
func (d *DriverPorts) Close() {
	midi.CloseDriver()
}

// InPorts returns the names of available MIDI input ports
func (d *DriverPorts) InPorts() []string {
	ins := midi.GetInPorts()
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	return names
}

// OutPorts returns the names of available MIDI output ports
func (d *DriverPorts) OutPorts() []string {
	outs := midi.GetOutPorts()
	names := make([]string, 0, len(outs))
	for _, out := range outs {
		names = append(names, out.String())
	}
	return names
}

// OpenIn resolves an input port by name
func (d *DriverPorts) OpenIn(name string) (In, error) {
	ins := midi.GetInPorts()
	for _, in := range ins {
		if in.String() == name {
			return &driverIn{port: in, device: name}, nil
		}
	}
	return nil, fmt.Errorf("input port not found: %s", name)
}

// OpenOut resolves an output port by name and prepares a sender for it
func (d *DriverPorts) OpenOut(name string) (Out, error) {
	outs := midi.GetOutPorts()
	for _, out := range outs {
		if out.String() == name {
			send, err := midi.SendTo(out)
			if err != nil {
				return nil, fmt.Errorf("failed to create sender: %w", err)
			}
			return &driverOut{send: send}, nil
		}
	}
	return nil, fmt.Errorf("output port not found: %s", name)
}

type driverIn struct {
	port   drivers.In
	device string
}

// Listen normalizes raw port messages into MidiEvents. The driver reports
// 0-based channels; events carry 1-based channels throughout the bridge.
func (d *driverIn) Listen(handler func(mapping.MidiEvent)) (func(), error) {
	stop, err := midi.ListenTo(d.port, func(msg midi.Message, timestampms int32) {
		var channel, key, velocity uint8
		var bend int16
		var bendAbs uint16

		switch {
		case msg.GetControlChange(&channel, &key, &velocity):
			handler(mapping.MidiEvent{
				Kind:         mapping.EventCC,
				Channel:      channel + 1,
				Controller:   key,
				Value:        velocity,
				SourceDevice: d.device,
			})
		case msg.GetNoteOn(&channel, &key, &velocity):
			kind := mapping.EventNoteOn
			if velocity == 0 {
				// Running-status note off
				kind = mapping.EventNoteOff
			}
			handler(mapping.MidiEvent{
				Kind:         kind,
				Channel:      channel + 1,
				Note:         key,
				Value:        velocity,
				SourceDevice: d.device,
			})
		case msg.GetNoteOff(&channel, &key, &velocity):
			handler(mapping.MidiEvent{
				Kind:         mapping.EventNoteOff,
				Channel:      channel + 1,
				Note:         key,
				Value:        velocity,
				SourceDevice: d.device,
			})
		case msg.GetPitchBend(&channel, &bend, &bendAbs):
			handler(mapping.MidiEvent{
				Kind:         mapping.EventPitchBend,
				Channel:      channel + 1,
				Controller:   mapping.PitchBendController,
				Value:        uint8(bendAbs >> 7), // 14-bit bend reduced to 0-127
				SourceDevice: d.device,
			})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start listening: %w", err)
	}
	return stop, nil
}

type driverOut struct {
	send func(midi.Message) error
}

func (d *driverOut) SendCC(channel, controller, value uint8) error {
	return d.send(midi.ControlChange(channel-1, controller, value))
}

func (d *driverOut) SendNoteOn(channel, note, velocity uint8) error {
	return d.send(midi.NoteOn(channel-1, note, velocity))
}

func (d *driverOut) SendNoteOff(channel, note uint8) error {
	return d.send(midi.NoteOff(channel-1, note))
}
