// keys holds the ed25519 keys that identify feeds, identities and spaces
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const Size = ed25519.PublicKeySize

// PublicKey identifies a feed, an identity or a space
type PublicKey [Size]byte

func (k PublicKey) String() string {
	return k.Hex()
}

func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// Short is an abbreviated form for logging
func (k PublicKey) Short() string {
	return hex.EncodeToString(k[:4])
}

func (k PublicKey) Bytes() []byte {
	return k[:]
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// Verify checks the signature over msg against this key
func (k PublicKey) Verify(msg []byte, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k[:]), msg, sig)
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.Hex()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type InvalidKey struct {
	Reason string
}

func (e InvalidKey) Error() string {
	return fmt.Sprintf("Invalid key: %s", e.Reason)
}

// ParseHex parses a hex encoded PublicKey
func ParseHex(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, InvalidKey{Reason: err.Error()}
	}
	return FromBytes(raw)
}

func FromBytes(raw []byte) (PublicKey, error) {
	var k PublicKey
	if len(raw) != Size {
		return k, InvalidKey{Reason: fmt.Sprintf("expected [%d] bytes, got [%d]", Size, len(raw))}
	}
	copy(k[:], raw)
	return k, nil
}

// KeyPair is a PublicKey along with the private key that can sign for it
type KeyPair struct {
	Public  PublicKey
	Private ed25519.PrivateKey
}

// Generate returns a new random KeyPair
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	var k PublicKey
	copy(k[:], pub)
	return KeyPair{Public: k, Private: priv}, nil
}

// FromPrivate rebuilds a KeyPair from a serialised ed25519 private key
func FromPrivate(raw []byte) (KeyPair, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return KeyPair{}, InvalidKey{Reason: fmt.Sprintf("expected [%d] private key bytes, got [%d]", ed25519.PrivateKeySize, len(raw))}
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, raw)
	var k PublicKey
	copy(k[:], priv.Public().(ed25519.PublicKey))
	return KeyPair{Public: k, Private: priv}, nil
}

func (p KeyPair) CanSign() bool {
	return len(p.Private) == ed25519.PrivateKeySize
}

func (p KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(p.Private, msg)
}
