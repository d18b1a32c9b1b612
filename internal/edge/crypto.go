package edge

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openziti/ziti-browzer-core-sub000/internal/pending"
	"github.com/openziti/ziti-browzer-core-sub000/internal/protocol"
)

// startCrypto derives the session keys from the router's public key and
// sends this side's stream header as the connection's first Data frame.
// The returned request completes when the peer's header arrives.
//
// It runs with recvMu held so that the peer header cannot be dispatched
// before the connection is waiting for it.
func (c *Channel) startCrypto(conn *Connection, peerPublicKey []byte) (*pending.Request, error) {
	cs := conn.session()
	if err := cs.DeriveClient(peerPublicKey); err != nil {
		return nil, errors.Wrapf(err, "connId %d: key exchange", conn.ID())
	}
	header, err := cs.InitOutbound()
	if err != nil {
		return nil, errors.Wrapf(err, "connId %d: init outbound stream", conn.ID())
	}

	conn.encrypted.Store(true)
	conn.setCryptoPhase(cryptoAwaitingPeerHeader)

	id := conn.ID()
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	seq := conn.seq.Next()
	return c.pending.Create(int64(id), seq, func() error {
		return c.send(protocol.ContentTypeData, dataHeaders(id, seq), header, seq, id)
	}, c.cfg.RequestTimeout), nil
}

// finishCrypto waits for the peer's stream header.
func (c *Channel) finishCrypto(ctx context.Context, conn *Connection, req *pending.Request) error {
	if _, err := req.Wait(ctx); err != nil {
		return errors.Wrapf(err, "connId %d: waiting for peer stream header", conn.ID())
	}
	if !conn.CryptoEstablished() {
		return errors.Wrapf(ErrCryptoNotComplete, "connId %d", conn.ID())
	}
	return nil
}
