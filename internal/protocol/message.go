package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Version is the envelope protocol version carried by every message.
const Version = "2.0"

// Method names the operation carried by an envelope.
type Method string

const (
	MethodAuthRequest      Method = "auth_request"
	MethodAuthChallenge    Method = "auth_challenge"
	MethodAuthVerify       Method = "auth_verify"
	MethodGetConfig        Method = "get_config"
	MethodAppSessionCreate Method = "app_session_create"
	MethodAppStateUpdate   Method = "app_state_update"
	MethodAppSessionSettle Method = "app_session_settle"
	MethodAppSessionClose  Method = "app_session_close"
	MethodChallenge        Method = "challenge"
	MethodPing             Method = "ping"
	MethodPong             Method = "pong"
	MethodError            Method = "error"
)

var knownMethods = map[Method]struct{}{
	MethodAuthRequest:      {},
	MethodAuthChallenge:    {},
	MethodAuthVerify:       {},
	MethodGetConfig:        {},
	MethodAppSessionCreate: {},
	MethodAppStateUpdate:   {},
	MethodAppSessionSettle: {},
	MethodAppSessionClose:  {},
	MethodChallenge:        {},
	MethodPing:             {},
	MethodPong:             {},
	MethodError:            {},
}

// Known reports whether m is part of the protocol.
func (m Method) Known() bool {
	_, ok := knownMethods[m]
	return ok
}

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnsigned         = errors.New("message is not signed")
)

// Signer produces a 0x-hex signature over a payload.
type Signer interface {
	Sign(payload []byte) (string, error)
}

// Message is the envelope exchanged with the coordinator. Signatures are
// taken over the raw params bytes exactly as sent.
type Message struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ID              string          `json:"id"`
	Method          Method          `json:"method"`
	Params          json.RawMessage `json:"params"`
	Signature       string          `json:"signature,omitempty"`
}

// NewMessage encodes params into a fresh envelope.
func NewMessage(id string, method Method, params any) (Message, error) {
	raw := json.RawMessage("{}")
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = b
	}
	return Message{
		ProtocolVersion: Version,
		ID:              id,
		Method:          method,
		Params:          raw,
	}, nil
}

// ValidateBasic checks required envelope fields.
func (m Message) ValidateBasic() error {
	if m.ProtocolVersion != Version {
		return fmt.Errorf("unsupported protocol version %q", m.ProtocolVersion)
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(string(m.Method)) == "" {
		return errors.New("method is required")
	}
	return nil
}

// Sign sets the envelope signature.
func (m *Message) Sign(s Signer) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := s.Sign(m.Params)
	if err != nil {
		return fmt.Errorf("sign %s: %w", m.Method, err)
	}
	m.Signature = sig
	return nil
}

// VerifyFrom checks that the envelope was signed by address.
func (m Message) VerifyFrom(address string) error {
	if m.Signature == "" {
		return ErrUnsigned
	}
	signer, err := Recover(m.Params, m.Signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer.Hex(), address) {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, signer.Hex())
	}
	return nil
}

// Recover returns the address that produced signature over keccak256(payload).
// V may be 0/1 or 27/28.
func Recover(payload []byte, signature string) (common.Address, error) {
	return RecoverHash(crypto.Keccak256(payload), signature)
}

// RecoverHash is Recover for a precomputed 32-byte digest.
func RecoverHash(digest []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DecodeParams decodes envelope params.
func DecodeParams[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, errors.New("params are empty")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
