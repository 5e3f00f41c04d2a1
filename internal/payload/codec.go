package payload

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrMalformed is returned for every payload that does not decode to a
// descriptor produced by the same key.
var ErrMalformed = errors.New("malformed_payload")

// ErrIncomplete is returned by Encode for a descriptor Decode would reject.
var ErrIncomplete = errors.New("incomplete descriptor")

// Descriptor identifies a session inside the QR code.
type Descriptor struct {
	SessionID string
	SectionID string
	CourseID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Times travel as unix nanoseconds so a decoded descriptor names the same
// instants as the encoded one. Decoded times are in UTC.
type wireDescriptor struct {
	SessionID string `json:"sid"`
	SectionID string `json:"sec"`
	CourseID  string `json:"crs"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Codec seals descriptors with AES-256-GCM. The wire form is
// base64url(nonce || ciphertext || tag).
type Codec struct {
	aead   cipher.AEAD
	random io.Reader
}

func NewCodec(key string) (*Codec, error) {
	return NewCodecWithRand(key, rand.Reader)
}

// NewCodecWithRand lets tests pin the nonce source.
func NewCodecWithRand(key string, random io.Reader) (*Codec, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("payload key required")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead, random: random}, nil
}

func (c *Codec) Encode(d Descriptor) (string, error) {
	wire := wireDescriptor{
		SessionID: d.SessionID,
		SectionID: d.SectionID,
		CourseID:  d.CourseID,
		IssuedAt:  unixNano(d.IssuedAt),
		ExpiresAt: unixNano(d.ExpiresAt),
	}
	if !wire.complete() {
		return "", fmt.Errorf("%w: descriptor requires session, section, course and expiry", ErrIncomplete)
	}
	plaintext, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return "", fmt.Errorf("payload nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *Codec) Decode(value string) (Descriptor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return Descriptor{}, ErrMalformed
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return Descriptor{}, ErrMalformed
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return Descriptor{}, ErrMalformed
	}

	var wire wireDescriptor
	decoder := json.NewDecoder(bytes.NewReader(plaintext))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&wire); err != nil {
		return Descriptor{}, ErrMalformed
	}
	if !wire.complete() {
		return Descriptor{}, ErrMalformed
	}
	return Descriptor{
		SessionID: wire.SessionID,
		SectionID: wire.SectionID,
		CourseID:  wire.CourseID,
		IssuedAt:  fromUnixNano(wire.IssuedAt),
		ExpiresAt: fromUnixNano(wire.ExpiresAt),
	}, nil
}

func (w wireDescriptor) complete() bool {
	return w.SessionID != "" && w.SectionID != "" && w.CourseID != "" && w.ExpiresAt != 0
}

// A zero time maps to 0 on the wire; UnixNano is undefined for it.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
