package mapping

import (
	"fmt"

	"github.com/google/uuid"
)

// TriggerType is the MIDI-side shape of a rule
type TriggerType string

const (
	TriggerCC        TriggerType = "cc"         // one controller number
	TriggerNote      TriggerType = "note"       // one note number
	TriggerNoteValue TriggerType = "note-value" // a note range mapped to a value sweep
)

// DefaultThreshold is the CC value at or above which a cc-type mute/solo
// rule activates, unless the rule sets its own threshold.
const DefaultThreshold = 64

// MidiTrigger describes which incoming MIDI messages a rule matches
type MidiTrigger struct {
	Type       TriggerType `json:"type"`
	Channel    uint8       `json:"channel"`              // 1-16
	Controller *uint8      `json:"controller,omitempty"` // cc rules
	Note       *uint8      `json:"note,omitempty"`       // note rules
	NoteMin    *uint8      `json:"note_min,omitempty"`   // note-value rules
	NoteMax    *uint8      `json:"note_max,omitempty"`
	Device     string      `json:"device,omitempty"`    // empty = any device
	Threshold  *uint8      `json:"threshold,omitempty"` // cc mute/solo activation point
	Invert     bool        `json:"invert,omitempty"`    // flip boolean actions
}

// MixerBinding describes the mixer operation the rule drives.
// For mute_group actions only Target.Channel is used (as the group number).
type MixerBinding struct {
	Action MixerAction `json:"action"`
	Target ChannelRef  `json:"target"`
	Range  *[2]float64 `json:"range,omitempty"` // value scaling range, default [0,100]
}

// Rule binds one MIDI trigger shape to one mixer action
type Rule struct {
	ID    string       `json:"id"`
	Name  string       `json:"name,omitempty"`
	Midi  MidiTrigger  `json:"midi"`
	Mixer MixerBinding `json:"mixer"`
}

// NewRule creates a rule with a generated ID
func NewRule(midi MidiTrigger, mixer MixerBinding) Rule {
	return Rule{
		ID:    uuid.New().String(),
		Midi:  midi,
		Mixer: mixer,
	}
}

// valueRange returns the scaling range, defaulting to [0,100]
func (r *Rule) valueRange() (min, max float64) {
	if r.Mixer.Range != nil {
		return r.Mixer.Range[0], r.Mixer.Range[1]
	}
	return 0, 100
}

// threshold returns the cc activation threshold, defaulting to DefaultThreshold
func (r *Rule) threshold() uint8 {
	if r.Midi.Threshold != nil {
		return *r.Midi.Threshold
	}
	return DefaultThreshold
}

// Validate checks that the rule is complete enough to index and translate
func (r *Rule) Validate() error {
	if r.Midi.Channel < 1 || r.Midi.Channel > 16 {
		return fmt.Errorf("rule %s: midi channel %d out of range 1-16", r.ID, r.Midi.Channel)
	}

	switch r.Midi.Type {
	case TriggerCC:
		if r.Midi.Controller == nil {
			return fmt.Errorf("rule %s: cc trigger requires a controller number", r.ID)
		}
	case TriggerNote:
		if r.Midi.Note == nil {
			return fmt.Errorf("rule %s: note trigger requires a note number", r.ID)
		}
	case TriggerNoteValue:
		if r.Midi.NoteMin == nil || r.Midi.NoteMax == nil {
			return fmt.Errorf("rule %s: note-value trigger requires note_min and note_max", r.ID)
		}
		if *r.Midi.NoteMin > *r.Midi.NoteMax {
			return fmt.Errorf("rule %s: note_min %d exceeds note_max %d", r.ID, *r.Midi.NoteMin, *r.Midi.NoteMax)
		}
	default:
		return fmt.Errorf("rule %s: unknown trigger type %q", r.ID, r.Midi.Type)
	}

	switch r.Mixer.Action {
	case ActionVolume, ActionMute, ActionSolo, ActionPan:
		if r.Mixer.Target.Channel < 1 {
			return fmt.Errorf("rule %s: target channel %d out of range", r.ID, r.Mixer.Target.Channel)
		}
	case ActionMuteGroup:
		if r.Mixer.Target.Channel < 1 || r.Mixer.Target.Channel > 8 {
			return fmt.Errorf("rule %s: mute group %d out of range 1-8", r.ID, r.Mixer.Target.Channel)
		}
	default:
		return fmt.Errorf("rule %s: unknown mixer action %q", r.ID, r.Mixer.Action)
	}

	return nil
}
