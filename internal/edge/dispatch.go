package edge

import (
	"github.com/openziti/ziti-browzer-core-sub000/internal/pending"
	"github.com/openziti/ziti-browzer-core-sub000/internal/protocol"
)

// correlation ties an inbound message to a connection and to the sequence
// of the request it answers.
type correlation struct {
	connID uint32
	conn   *Connection
	seq    int32

	// inferred is set when the router omitted ReplyFor on a zero-body Data
	// frame and the sequence was taken from the connection's counter instead.
	inferred bool
}

func (k correlation) key() int64 { return int64(k.connID) }

// correlate resolves the connection and reply sequence of m. A zero-body
// Data frame without ReplyFor answers the last frame the connection sent.
func (c *Channel) correlate(m *protocol.Message) correlation {
	var k correlation
	k.seq = -1

	if id, ok := m.ConnID(); ok {
		k.connID = id
		k.conn, _ = c.conns.Get(id)
	}
	if seq, ok := m.ReplyFor(); ok {
		k.seq = seq
		return k
	}
	if m.ContentType == protocol.ContentTypeData && len(m.Body) == 0 && k.conn != nil {
		k.seq = k.conn.Sequence().Current() - 1
		k.inferred = true
	}
	return k
}

// dispatch routes one inbound message. It runs with recvMu held.
func (c *Channel) dispatch(m *protocol.Message) {
	k := c.correlate(m)
	log := c.log().WithFields("connId", k.connID, "seq", m.Sequence, "contentType", m.ContentType)

	switch m.ContentType {
	case protocol.ContentTypeResult:
		if !c.pending.Resolve(pending.HelloKey, k.seq, m) {
			log.Debugf("result without outstanding request")
		}

	case protocol.ContentTypeStateConnected:
		if k.conn == nil || !c.pending.Resolve(k.key(), k.seq, m) {
			log.Warnf("unsolicited %s", m.ContentType)
		}

	case protocol.ContentTypeStateClosed:
		if k.conn == nil {
			log.Debugf("%s for unknown connection", m.ContentType)
			return
		}
		// while Connecting this answers Connect and recvConnectResponse retires the connection
		if k.conn.State() == StateConnecting && c.pending.Resolve(k.key(), k.seq, m) {
			return
		}
		c.closedByRouter(k.conn)

	case protocol.ContentTypeData:
		if k.conn == nil {
			if len(m.Body) == 0 {
				log.Debugf("empty data for unknown connection")
			} else {
				log.WithError(ErrConnectionNotFound).Warnf("dropping %d bytes", len(m.Body))
			}
			return
		}
		if k.conn.parking {
			k.conn.early = append(k.conn.early, m)
			return
		}
		c.recvData(k, m)

	default:
		log.Debugf("ignoring message")
	}
}

// recvData handles a Data frame for a known, non-parked connection.
func (c *Channel) recvData(k correlation, m *protocol.Message) {
	conn := k.conn
	log := c.log().WithFields("connId", k.connID, "seq", m.Sequence)

	switch conn.currentPhase() {
	case cryptoAwaitingPeerHeader:
		if len(m.Body) == 0 {
			log.Debugf("empty data while awaiting peer stream header")
			return
		}
		if err := conn.session().InitInbound(m.Body); err != nil {
			c.pending.Reject(k.key(), err)
			return
		}
		conn.setCryptoPhase(cryptoEstablished)
		c.pending.Resolve(k.key(), pending.AnySequence, m)
		return
	}

	if len(m.Body) == 0 {
		if !c.pending.Resolve(k.key(), k.seq, m) {
			log.Debugf("empty data, no request waiting for seq %d (inferred=%t)", k.seq, k.inferred)
		}
		return
	}

	body := m.Body
	if conn.currentPhase() == cryptoEstablished {
		plain, err := conn.session().Open(body)
		if err != nil {
			log.WithError(err).Warnf("decrypt failed, closing connection")
			_ = c.closeWithCause(conn, err)
			return
		}
		body = plain
	}

	if s, _ := conn.innerSession(); s != nil {
		if err := s.ProcessInbound(body); err != nil {
			log.WithError(err).Debugf("inner tls session closed")
		}
		return
	}

	if conn.streaming() {
		conn.deliver(body)
		return
	}

	reply := *m
	reply.Body = body
	if !c.pending.Resolve(k.key(), k.seq, &reply) {
		if k.seq >= 0 {
			log.Debugf("no request waiting for seq %d, delivering", k.seq)
		}
		conn.deliver(body)
	}
}
