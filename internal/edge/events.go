package edge

// EventType classifies an Event.
type EventType int

const (
	EventConnectFailure EventType = iota + 1
	EventHandshakeTimeout
	EventChannelClosed
	EventProtocolError
)

func (t EventType) String() string {
	switch t {
	case EventConnectFailure:
		return "connect-failure"
	case EventHandshakeTimeout:
		return "handshake-timeout"
	case EventChannelClosed:
		return "channel-closed"
	case EventProtocolError:
		return "protocol-error"
	default:
		return "unknown"
	}
}

// Event is published on Channel.Events. Fields that do not apply are zero.
type Event struct {
	Type      EventType
	ChannelID uint32
	ConnID    uint32
	Service   string
	Inner     bool // HandshakeTimeout: the per-connection TLS session timed out
	Err       error
}

// publish never blocks; events are dropped when nobody drains the channel.
func (c *Channel) publish(ev Event) {
	ev.ChannelID = c.id
	select {
	case c.events <- ev:
	default:
		c.log().WithField("event", ev.Type).Debugf("event dropped, buffer full")
	}
}
