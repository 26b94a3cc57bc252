package mapping

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Engine owns the rule set and the lookup indexes built from it.
// The cc/note indexes carry both device-specific and device-agnostic keys so
// Translate stays O(1); note-value rules are range matches and live in a
// small ordered slice instead. All indexes are rebuilt on every mutation.
type Engine struct {
	mu             sync.RWMutex
	rules          []Rule
	ccIndex        map[string]*Rule
	noteIndex      map[string]*Rule
	noteValueRules []*Rule
	reverseIndex   map[string]*Rule // volume rules by "{TYPE}-{channel}"
}

// NewEngine creates an engine with an empty rule set
func NewEngine() *Engine {
	e := &Engine{}
	e.rebuildLocked()
	return e
}

// ccKey builds the lookup key for cc rules. An empty device produces the
// device-agnostic key ("cc--1-7").
func ccKey(device string, channel, controller uint8) string {
	return fmt.Sprintf("cc-%s-%d-%d", device, channel, controller)
}

func noteKey(device string, channel, note uint8) string {
	return fmt.Sprintf("note-%s-%d-%d", device, channel, note)
}

func reverseKey(channelType string, channel int) string {
	return fmt.Sprintf("%s-%d", strings.ToUpper(channelType), channel)
}

// rebuildLocked rebuilds all lookup indexes from e.rules. Callers hold e.mu.
func (e *Engine) rebuildLocked() {
	e.ccIndex = make(map[string]*Rule)
	e.noteIndex = make(map[string]*Rule)
	e.noteValueRules = nil
	e.reverseIndex = make(map[string]*Rule)

	for i := range e.rules {
		r := &e.rules[i]
		switch r.Midi.Type {
		case TriggerCC:
			e.ccIndex[ccKey(r.Midi.Device, r.Midi.Channel, *r.Midi.Controller)] = r
		case TriggerNote:
			e.noteIndex[noteKey(r.Midi.Device, r.Midi.Channel, *r.Midi.Note)] = r
		case TriggerNoteValue:
			e.noteValueRules = append(e.noteValueRules, r)
		}

		if r.Mixer.Action == ActionVolume {
			e.reverseIndex[reverseKey(r.Mixer.Target.Type, r.Mixer.Target.Channel)] = r
		}
	}
}

// ReplaceAll atomically swaps in a new rule set. If any rule fails
// validation the whole set is rejected and the current rules stay in place.
func (e *Engine) ReplaceAll(rules []Rule) error {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return fmt.Errorf("invalid rule set: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append([]Rule(nil), rules...)
	e.rebuildLocked()
	return nil
}

// Add validates and appends one rule
func (e *Engine) Add(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	e.rebuildLocked()
	return nil
}

// Update replaces the rule with the same ID. Returns false if no rule has
// that ID.
func (e *Engine) Update(rule Rule) (bool, error) {
	if err := rule.Validate(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == rule.ID {
			e.rules[i] = rule
			e.rebuildLocked()
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes a rule by ID
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			e.rebuildLocked()
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the current rule set
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Translate matches a MIDI event against the rule set and produces at most
// one mixer command. A miss is not an error; the bool result is false.
func (e *Engine) Translate(ev MidiEvent) (MixerCommand, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rule := e.matchLocked(ev)
	if rule == nil {
		return MixerCommand{}, false
	}
	return buildCommand(rule, ev)
}

// matchLocked finds the effective rule for an event. Device-specific keys
// are tried before device-agnostic ones, so a rule pinned to a device always
// wins over a global rule for the same trigger shape.
func (e *Engine) matchLocked(ev MidiEvent) *Rule {
	switch ev.Kind {
	case EventCC, EventPitchBend:
		if r, ok := e.ccIndex[ccKey(ev.SourceDevice, ev.Channel, ev.Controller)]; ok {
			return r
		}
		return e.ccIndex[ccKey("", ev.Channel, ev.Controller)]

	case EventNoteOn, EventNoteOff:
		if r, ok := e.noteIndex[noteKey(ev.SourceDevice, ev.Channel, ev.Note)]; ok {
			return r
		}
		if r, ok := e.noteIndex[noteKey("", ev.Channel, ev.Note)]; ok {
			return r
		}
		// Note-value rules are range matches; the list holds at most a few
		// dozen entries so a linear scan is fine.
		for _, r := range e.noteValueRules {
			if r.Midi.Device != "" && r.Midi.Device != ev.SourceDevice {
				continue
			}
			if r.Midi.Channel != ev.Channel {
				continue
			}
			if ev.Note >= *r.Midi.NoteMin && ev.Note <= *r.Midi.NoteMax {
				return r
			}
		}
	}
	return nil
}

// buildCommand derives the mixer command for a matched rule. It never fails
// hard; degenerate numeric cases degrade to "no match".
func buildCommand(rule *Rule, ev MidiEvent) (MixerCommand, bool) {
	cmd := MixerCommand{
		Action:  rule.Mixer.Action,
		Channel: rule.Mixer.Target,
	}
	if rule.Mixer.Action == ActionMuteGroup {
		cmd.Group = GroupRef{Group: rule.Mixer.Target.Channel}
		cmd.Channel = ChannelRef{}
	}

	switch rule.Mixer.Action {
	case ActionVolume, ActionPan:
		if rule.Midi.Type == TriggerNoteValue {
			cmd.Value = scaleNoteRange(ev.Note, *rule.Midi.NoteMin, *rule.Midi.NoteMax)
		} else {
			min, max := rule.valueRange()
			cmd.Value = scaleRaw(ev.Value, min, max)
		}

	case ActionMute, ActionSolo, ActionMuteGroup:
		var on bool
		if rule.Midi.Type == TriggerCC {
			on = ev.Value >= rule.threshold()
		} else {
			on = ev.Kind == EventNoteOn
		}
		if rule.Midi.Invert {
			on = !on
		}
		cmd.Toggle = on
	}

	return cmd, true
}

// scaleRaw maps a 0-127 MIDI value linearly into [min,max]. The endpoints
// are exact: raw 0 yields min and raw 127 yields max with no float drift.
func scaleRaw(raw uint8, min, max float64) float64 {
	switch raw {
	case 0:
		return min
	case 127:
		return max
	}
	return clamp(min+float64(raw)/127.0*(max-min), min, max)
}

// scaleNoteRange maps a note inside [noteMin,noteMax] onto 0-100
func scaleNoteRange(note, noteMin, noteMax uint8) float64 {
	span := float64(noteMax) - float64(noteMin)
	if span == 0 {
		return 100
	}
	return clamp((float64(note)-float64(noteMin))/span*100, 0, 100)
}

func clamp(v, min, max float64) float64 {
	lo, hi := min, max
	if lo > hi {
		lo, hi = hi, lo
	}
	return math.Min(hi, math.Max(lo, v))
}

// FindReverseMapping returns the volume rule bound to a mixer channel, used
// to send MIDI feedback when the mixer reports a level change. Lookup is
// O(1) and case-insensitive on the channel type.
func (e *Engine) FindReverseMapping(channelType string, channel int) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.reverseIndex[reverseKey(channelType, channel)]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// FeedbackValue converts a mixer level back into the 0-127 MIDI value for a
// reverse-mapped rule, inverting the rule's scaling range.
func FeedbackValue(rule Rule, level float64) uint8 {
	min, max := rule.valueRange()
	if max == min {
		return 0
	}
	raw := math.Round((level - min) / (max - min) * 127)
	if raw < 0 {
		raw = 0
	}
	if raw > 127 {
		raw = 127
	}
	return uint8(raw)
}
