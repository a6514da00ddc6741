package subscription

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/livekit/downlink-allocator/pkg/video"
)

// ------------------------------------------------

type CommandKind int

const (
	CommandSubscribe CommandKind = iota
	CommandUnsubscribe
)

func (c CommandKind) String() string {
	switch c {
	case CommandSubscribe:
		return "SUBSCRIBE"
	case CommandUnsubscribe:
		return "UNSUBSCRIBE"
	default:
		return fmt.Sprintf("UNKNOWN: %d", int(c))
	}
}

// ------------------------------------------------

// Command is a fire-and-forget instruction for the transport. Results come
// back asynchronously and are matched oldest-first per source.
type Command struct {
	Kind   CommandKind
	Source video.SourceID
	Layer  int // valid for SUBSCRIBE
}

func (c Command) String() string {
	return fmt.Sprintf("Command{%s, %s, layer: %d}", c.Kind, c.Source, c.Layer)
}

func (c Command) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("kind", c.Kind.String())
	e.AddString("source", c.Source.String())
	e.AddInt("layer", c.Layer)
	return nil
}

// ------------------------------------------------

// pendingCommand is a command issued to the transport whose result has not
// arrived yet.
type pendingCommand struct {
	command  Command
	issuedIn uint64 // evaluation cycle
	issuedAt time.Time
}
