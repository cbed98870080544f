// Package codec turns ranging tokens and device identifiers into transport-safe blobs.
//
// The token bytes are opaque here: the ranging engine owns their layout. The codec only wraps
// them in a small CBOR envelope that records the payload kind and a blake2b digest, so a blob
// of one kind can never be mistaken for the other and truncated input is rejected.
package codec

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Version is the envelope version written by this codec.
const Version uint8 = 1

const (
	maxPayloadBytes = 64 << 10 // 64 KiB
	digestSize      = 16
)

// Kind identifies the payload carried by an envelope.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindToken
	KindIdentifier
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindIdentifier:
		return "identifier"
	default:
		return "unknown"
	}
}

type envelope struct {
	V uint8  `cbor:"1,keyasint"`
	K Kind   `cbor:"2,keyasint"`
	P []byte `cbor:"3,keyasint"`
	S []byte `cbor:"4,keyasint"`
}

// Codec encodes and decodes pairing payloads. It has no side effects and is safe for concurrent use.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// New builds a Codec. An error here is ErrUnavailable and is fatal for the caller.
func New() (*Codec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fail("codec.New", ErrUnavailable, err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   4,
		MaxMapPairs:       16,
		MaxArrayElements:  16,
	}.DecMode()
	if err != nil {
		return nil, fail("codec.New", ErrUnavailable, err)
	}
	if _, err := blake2b.New(digestSize, nil); err != nil {
		return nil, fail("codec.New", ErrUnavailable, err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// EncodeToken wraps an opaque ranging token.
func (c *Codec) EncodeToken(token []byte) ([]byte, error) {
	return c.encode("codec.EncodeToken", KindToken, token)
}

// DecodeToken unwraps a blob produced by EncodeToken.
func (c *Codec) DecodeToken(b []byte) ([]byte, error) {
	return c.decode("codec.DecodeToken", KindToken, b)
}

// EncodeIdentifier wraps a device identifier string.
func (c *Codec) EncodeIdentifier(id string) ([]byte, error) {
	if !utf8.ValidString(id) {
		return nil, fail("codec.EncodeIdentifier", ErrMalformed, fmt.Errorf("identifier is not valid utf-8"))
	}
	return c.encode("codec.EncodeIdentifier", KindIdentifier, []byte(id))
}

// DecodeIdentifier unwraps a blob produced by EncodeIdentifier.
func (c *Codec) DecodeIdentifier(b []byte) (string, error) {
	const op = "codec.DecodeIdentifier"

	p, err := c.decode(op, KindIdentifier, b)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", fail(op, ErrMalformed, fmt.Errorf("identifier is not valid utf-8"))
	}
	return string(p), nil
}

// Inspect validates a blob and reports its payload kind without returning the payload.
func (c *Codec) Inspect(b []byte) (Kind, error) {
	env, err := c.open("codec.Inspect", b)
	if err != nil {
		return KindUnknown, err
	}
	return env.K, nil
}

func (c *Codec) encode(op string, kind Kind, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fail(op, ErrEmpty, nil)
	}
	if len(payload) > maxPayloadBytes {
		return nil, fail(op, ErrTooLarge, nil)
	}

	env := envelope{V: Version, K: kind, P: payload}
	env.S = digest(env.V, env.K, env.P)

	out, err := c.enc.Marshal(env)
	if err != nil {
		return nil, fail(op, ErrMalformed, err)
	}
	return out, nil
}

func (c *Codec) decode(op string, want Kind, b []byte) ([]byte, error) {
	env, err := c.open(op, b)
	if err != nil {
		return nil, err
	}
	if env.K != want {
		return nil, fail(op, ErrKindMismatch, fmt.Errorf("got=%s want=%s", env.K, want))
	}
	out := make([]byte, len(env.P))
	copy(out, env.P)
	return out, nil
}

func (c *Codec) open(op string, b []byte) (envelope, error) {
	if len(b) == 0 {
		return envelope{}, fail(op, ErrEmpty, nil)
	}
	if len(b) > maxPayloadBytes+64 {
		return envelope{}, fail(op, ErrTooLarge, nil)
	}

	var env envelope
	if err := c.dec.Unmarshal(b, &env); err != nil {
		return envelope{}, fail(op, ErrMalformed, err)
	}
	if env.V != Version {
		return envelope{}, fail(op, ErrUnsupportedVersion, fmt.Errorf("got=%d want=%d", env.V, Version))
	}
	if env.K != KindToken && env.K != KindIdentifier {
		return envelope{}, fail(op, ErrMalformed, fmt.Errorf("unknown kind %d", env.K))
	}
	if len(env.P) == 0 {
		return envelope{}, fail(op, ErrEmpty, nil)
	}
	if len(env.P) > maxPayloadBytes {
		return envelope{}, fail(op, ErrTooLarge, nil)
	}
	if !bytes.Equal(env.S, digest(env.V, env.K, env.P)) {
		return envelope{}, fail(op, ErrChecksum, nil)
	}
	return env, nil
}

func digest(v uint8, k Kind, p []byte) []byte {
	// Size is a constant accepted by blake2b; New verified it once.
	h, _ := blake2b.New(digestSize, nil)
	_, _ = h.Write([]byte{v, byte(k)})
	_, _ = h.Write(p)
	return h.Sum(nil)
}
