// Package bridge wires the mapping engine, the MIDI multiplexer, and the
// mixer supervisor into the bidirectional control path: surface input
// becomes mixer commands, mixer changes become surface feedback.
package bridge

import (
	"strings"

	"github.com/sirupsen/logrus"

	"mixbridge/internal/mapping"
	"mixbridge/internal/midimux"
	"mixbridge/internal/mixer"
)

// Callbacks are the event emissions consumed by the surrounding application
type Callbacks struct {
	OnMidiActivity    func(ev mapping.MidiEvent)
	OnMixerActivity   func(cmd mapping.MixerCommand)
	OnLevelChange     func(channelType string, channel int, level float64)
	OnFlagChange      func(field, channelType string, channel int, on bool)
	OnMuteGroupChange func(group int, active bool)
	OnDeviceLost      func(device string)
	OnMixerLost       func(addr string)
}

// Bridge is the core's exposed surface. Each incoming MIDI event is
// translated and executed synchronously before the next one, so MIDI events
// are never reordered relative to each other.
type Bridge struct {
	engine *mapping.Engine
	mux    *midimux.Multiplexer
	sup    *mixer.Supervisor
	cb     Callbacks
	log    *logrus.Entry
}

// New wires a bridge over the three managers and registers its handlers
func New(engine *mapping.Engine, mux *midimux.Multiplexer, sup *mixer.Supervisor, cb Callbacks) *Bridge {
	b := &Bridge{
		engine: engine,
		mux:    mux,
		sup:    sup,
		cb:     cb,
		log:    logrus.WithField("component", "bridge"),
	}

	mux.OnEvent(b.HandleMidi)
	mux.OnDeviceLost(func(device string) {
		if cb.OnDeviceLost != nil {
			cb.OnDeviceLost(device)
		}
	})
	sup.OnConnectionLost(func(addr string) {
		if cb.OnMixerLost != nil {
			cb.OnMixerLost(addr)
		}
	})
	sup.OnDCALevelChange(func(dca int, level float64) {
		b.HandleLevelChange("DCA", dca, level)
	})
	sup.OnLevelChange(b.HandleLevelChange)
	sup.OnChannelFlagChange(b.HandleFlagChange)
	sup.OnMuteGroupChange(func(group int, active bool) {
		b.log.WithFields(logrus.Fields{"group": group, "active": active}).Debug("mute group changed at mixer")
		if cb.OnMuteGroupChange != nil {
			cb.OnMuteGroupChange(group, active)
		}
	})
	sup.SetDCAMappedPredicate(b.hasDCAMapping)

	return b
}

// HandleMidi translates one MIDI event and applies the resulting command.
// A failure in one event's processing is contained here so the next event
// still runs.
func (b *Bridge) HandleMidi(ev mapping.MidiEvent) {
	if b.cb.OnMidiActivity != nil {
		b.cb.OnMidiActivity(ev)
	}

	cmd, ok := b.engine.Translate(ev)
	if !ok {
		return
	}
	if b.cb.OnMixerActivity != nil {
		b.cb.OnMixerActivity(cmd)
	}

	if err := b.Apply(cmd); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"action": cmd.Action, "device": ev.SourceDevice,
		}).Warn("mixer command failed")
	}
}

// Apply executes one mixer command against the supervisor
func (b *Bridge) Apply(cmd mapping.MixerCommand) error {
	switch cmd.Action {
	case mapping.ActionVolume:
		return b.sup.SetVolume(cmd.Channel.Type, cmd.Channel.Channel, cmd.Value)
	case mapping.ActionPan:
		return b.sup.SetPan(cmd.Channel.Type, cmd.Channel.Channel, cmd.Value)
	case mapping.ActionMute:
		return b.sup.SetMute(cmd.Channel.Type, cmd.Channel.Channel, cmd.Toggle)
	case mapping.ActionSolo:
		return b.sup.SetSolo(cmd.Channel.Type, cmd.Channel.Channel, cmd.Toggle)
	case mapping.ActionMuteGroup:
		return b.sup.SetMuteGroup(cmd.Group.Group, cmd.Toggle)
	}
	return nil
}

// HandleLevelChange emits a level-change event and sends motorized-fader
// feedback for it. Feedback is best-effort and must never destabilize the
// control path, so every failure mode here is a silent no-op.
func (b *Bridge) HandleLevelChange(channelType string, channel int, level float64) {
	if b.cb.OnLevelChange != nil {
		b.cb.OnLevelChange(channelType, channel, level)
	}
	rule, ok := b.engine.FindReverseMapping(channelType, channel)
	if !ok {
		return
	}
	if rule.Midi.Type != mapping.TriggerCC || rule.Midi.Controller == nil {
		return
	}
	value := mapping.FeedbackValue(rule, level)
	b.mux.SendCC(rule.Midi.Device, rule.Midi.Channel, *rule.Midi.Controller, value)
}

// HandleFlagChange emits a mute/solo change event and sends on/off feedback
// for it; field selects which flag. The reverse index only covers volume
// rules, and flag flips are far less frequent than level changes, so a
// linear scan is fine.
func (b *Bridge) HandleFlagChange(field, channelType string, channel int, on bool) {
	if b.cb.OnFlagChange != nil {
		b.cb.OnFlagChange(field, channelType, channel, on)
	}
	want := mapping.ActionMute
	if field == "solo" {
		want = mapping.ActionSolo
	}
	for _, rule := range b.engine.Rules() {
		if rule.Mixer.Action != want {
			continue
		}
		if rule.Midi.Type != mapping.TriggerNote || rule.Midi.Note == nil {
			continue
		}
		if !strings.EqualFold(rule.Mixer.Target.Type, channelType) || rule.Mixer.Target.Channel != channel {
			continue
		}
		if on {
			b.mux.SendNoteOn(rule.Midi.Device, rule.Midi.Channel, *rule.Midi.Note, 127)
		} else {
			b.mux.SendNoteOff(rule.Midi.Device, rule.Midi.Channel, *rule.Midi.Note)
		}
		return
	}
}

// hasDCAMapping gates the supervisor's DCA poller: when no rule maps a DCA
// channel there is nothing to feed back and the poll reads can be skipped.
func (b *Bridge) hasDCAMapping() bool {
	for d := 1; d <= mixer.NumDCAs; d++ {
		if _, ok := b.engine.FindReverseMapping("DCA", d); ok {
			return true
		}
	}
	return false
}
