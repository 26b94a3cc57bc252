package mixer

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by write operations while no session is open
var ErrNotConnected = errors.New("mixer: not connected")

// ErrSuperseded is returned when a connection attempt completes after a
// newer attempt has already taken over.
var ErrSuperseded = errors.New("mixer: connection attempt superseded")

// State of the supervisor's single logical connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session is one open control session to a mixer. Volumes and pans are
// 0-100 linear; channels are addressed by type ("LINE", "PLAYER", "SUB",
// ...) and 1-based number. The wire protocol behind this interface is an
// external dependency.
type Session interface {
	Close() error

	SetVolume(channelType string, channel int, value float64) error
	Volume(channelType string, channel int) (float64, error)
	SetMute(channelType string, channel int, on bool) error
	Mute(channelType string, channel int) (bool, error)
	SetSolo(channelType string, channel int, on bool) error
	Solo(channelType string, channel int) (bool, error)
	SetPan(channelType string, channel int, value float64) error
	Pan(channelType string, channel int) (float64, error)

	// Named state paths, e.g. "line.3.name" or "dca.2.level"
	StateString(path string) (string, error)
	StateFloat(path string) (float64, error)
	StateBool(path string) (bool, error)

	// SendRaw writes one parameter that has no typed setter
	SendRaw(path string, value float64) error
}

// PushNotifier is optionally implemented by sessions whose protocol pushes
// parameter changes. The supervisor subscribes when available; sessions
// without push support still work, they just feed no change events.
type PushNotifier interface {
	OnPush(handler func(path, value string))
}

// Dialer opens sessions. The context carries the caller-supplied connect
// timeout; implementations must respect its deadline rather than hang.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Session, error)
}

// statePath builds the conventional per-channel state path
func statePath(channelType string, channel int, field string) string {
	return fmt.Sprintf("%s.%d.%s", channelType, channel, field)
}
