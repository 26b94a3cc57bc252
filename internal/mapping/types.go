package mapping

// EventKind is the type of an incoming MIDI message
type EventKind string

const (
	EventCC        EventKind = "cc"
	EventNoteOn    EventKind = "note_on"
	EventNoteOff   EventKind = "note_off"
	EventPitchBend EventKind = "pitch_bend"
)

// PitchBendController is the pseudo controller number used to let cc-type
// rules bind pitch-bend input (faders on many control surfaces send bend).
const PitchBendController = 128

// MidiEvent is a normalized MIDI message from one input device.
// Channels are 1-based; values are already reduced to 0-127.
type MidiEvent struct {
	Kind         EventKind
	Channel      uint8 // 1-16
	Controller   uint8 // CC number, or PitchBendController for bend
	Note         uint8
	Value        uint8 // 0-127
	SourceDevice string
}

// MixerAction represents the mixer-side operation a rule triggers
type MixerAction string

const (
	ActionVolume    MixerAction = "volume"
	ActionMute      MixerAction = "mute"
	ActionSolo      MixerAction = "solo"
	ActionPan       MixerAction = "pan"
	ActionMuteGroup MixerAction = "mute_group"
)

// ChannelRef addresses one mixer channel by type and 1-based number
type ChannelRef struct {
	Type    string `json:"type"`
	Channel int    `json:"channel"`
}

// GroupRef addresses one mute group. A mute group is not a channel, so it
// deliberately carries no type field.
type GroupRef struct {
	Group int `json:"group"`
}

// MixerCommand is the result of translating a MidiEvent through the rule set.
// Action discriminates which fields are meaningful: volume/pan carry Value,
// mute/solo/mute_group carry Toggle, mute_group addresses Group instead of
// Channel.
type MixerCommand struct {
	Action  MixerAction
	Channel ChannelRef
	Group   GroupRef
	Value   float64
	Toggle  bool
}
