// Package e2ee implements the optional end-to-end encryption envelope of an
// edge connection: an ephemeral X25519 key exchange (kx) followed by one
// secretstream per direction.
package e2ee

import (
	"sync"

	"github.com/openziti/secretstream"
	"github.com/openziti/secretstream/kx"
	"github.com/pkg/errors"
)

// State is the position of a Session in its setup sequence.
type State int32

const (
	Uninitialized State = iota
	KeyExchanged
	StreamInitialized
	Active
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case KeyExchanged:
		return "key-exchanged"
	case StreamInitialized:
		return "stream-initialized"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// HeaderSize is the length of a secretstream header.
const HeaderSize = secretstream.StreamHeaderBytes

var (
	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("crypto session in invalid state")

	ErrInvalidHeader = errors.New("invalid crypto stream header")
)

// Session holds the keys and stream states of one edge connection.
//
// Setup runs Uninitialized → KeyExchanged → StreamInitialized → Active.
// Seal and Open are each sequential: ciphertext must be opened in the order
// it was sealed.
type Session struct {
	mu      sync.Mutex
	state   State
	keyPair *kx.KeyPair
	rx, tx  []byte

	sealMu sync.Mutex
	enc    secretstream.Encryptor

	openMu sync.Mutex
	dec    secretstream.Decryptor
}

// New generates an ephemeral key pair.
func New() (*Session, error) {
	kp, err := kx.NewKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key pair")
	}
	return &Session{keyPair: kp}, nil
}

// PublicKey returns the local public key sent in the Connect request.
func (s *Session) PublicKey() []byte {
	return s.keyPair.Public()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeriveClient derives the session keys as the dialing side.
func (s *Session) DeriveClient(peerPublicKey []byte) error {
	return s.derive(peerPublicKey, s.keyPair.ClientSessionKeys)
}

// DeriveServer derives the session keys as the hosting side.
func (s *Session) DeriveServer(peerPublicKey []byte) error {
	return s.derive(peerPublicKey, s.keyPair.ServerSessionKeys)
}

func (s *Session) derive(peerPublicKey []byte, keys func([]byte) ([]byte, []byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Uninitialized {
		return errors.Wrapf(ErrInvalidState, "derive in state %s", s.state)
	}

	rx, tx, err := keys(peerPublicKey)
	if err != nil {
		return errors.Wrap(err, "failed key exchange")
	}

	s.rx, s.tx = rx, tx
	s.state = KeyExchanged
	return nil
}

// InitOutbound creates the sending stream and returns its header, which the
// peer needs before it can open anything sealed here.
func (s *Session) InitOutbound() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != KeyExchanged {
		return nil, errors.Wrapf(ErrInvalidState, "init outbound in state %s", s.state)
	}

	enc, header, err := secretstream.NewEncryptor(s.tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to establish crypto stream")
	}

	s.sealMu.Lock()
	s.enc = enc
	s.sealMu.Unlock()

	s.tx = nil
	s.state = StreamInitialized
	return header, nil
}

// InitInbound creates the receiving stream from the peer's header.
func (s *Session) InitInbound(peerHeader []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StreamInitialized {
		return errors.Wrapf(ErrInvalidState, "init inbound in state %s", s.state)
	}
	if len(peerHeader) != HeaderSize {
		return errors.Wrapf(ErrInvalidHeader, "got %d bytes, want %d", len(peerHeader), HeaderSize)
	}

	dec, err := secretstream.NewDecryptor(s.rx, peerHeader)
	if err != nil {
		return errors.Wrap(err, "failed to init decryptor")
	}

	s.openMu.Lock()
	s.dec = dec
	s.openMu.Unlock()

	s.rx = nil
	s.state = Active
	return nil
}

// Seal encrypts one message for the peer.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	s.sealMu.Lock()
	defer s.sealMu.Unlock()

	if s.enc == nil {
		return nil, errors.Wrap(ErrInvalidState, "seal before outbound stream")
	}
	out, err := s.enc.Push(plaintext, secretstream.TagMessage)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt failed")
	}
	return out, nil
}

// Open decrypts one message from the peer.
func (s *Session) Open(ciphertext []byte) ([]byte, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.dec == nil {
		return nil, errors.Wrap(ErrInvalidState, "open before inbound stream")
	}
	out, _, err := s.dec.Pull(ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt failed")
	}
	return out, nil
}
