// credential holds the hash-chained admission statements that decide which identities and feeds
// may contribute to a space
package credential

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lloydmeta/echo/internal/domain/keys"
)

type Kind uint8

const (
	ADMIT Kind = iota + 1
	REVOKE
)

var kindsToString = map[Kind]string{
	ADMIT:  "ADMIT",
	REVOKE: "REVOKE",
}

func (k Kind) String() string {
	if s, ok := kindsToString[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

type SubjectType uint8

const (
	IDENTITY SubjectType = iota + 1
	FEED
)

var subjectTypesToString = map[SubjectType]string{
	IDENTITY: "IDENTITY",
	FEED:     "FEED",
}

func (s SubjectType) String() string {
	if str, ok := subjectTypesToString[s]; ok {
		return str
	}
	return fmt.Sprintf("SubjectType(%d)", uint8(s))
}

// Hash links credentials into a chain
type Hash [blake2b.Size256]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// GenesisHash is the Previous value the first credential of a space must carry
func GenesisHash(space keys.PublicKey) Hash {
	return blake2b.Sum256(append([]byte("echo/genesis/"), space[:]...))
}

// Credential admits or revokes an identity or a feed
type Credential struct {
	Space       keys.PublicKey
	Issuer      keys.PublicKey
	Subject     keys.PublicKey
	SubjectType SubjectType
	Kind        Kind
	Previous    Hash
	Signature   []byte
}

const (
	fieldSpace protowire.Number = iota + 1
	fieldIssuer
	fieldSubject
	fieldSubjectType
	fieldKind
	fieldPrevious
	fieldSignature
)

// SigningBytes is the canonical encoding of everything but the signature
func (c *Credential) SigningBytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSpace, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Space[:])
	b = protowire.AppendTag(b, fieldIssuer, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Issuer[:])
	b = protowire.AppendTag(b, fieldSubject, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Subject[:])
	b = protowire.AppendTag(b, fieldSubjectType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.SubjectType))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Kind))
	b = protowire.AppendTag(b, fieldPrevious, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Previous[:])
	return b
}

// Encode returns the wire form, signature included
func (c *Credential) Encode() []byte {
	b := c.SigningBytes()
	b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
	return protowire.AppendBytes(b, c.Signature)
}

// Hash identifies this credential in the chain
func (c *Credential) Hash() Hash {
	return blake2b.Sum256(c.Encode())
}

// VerifySignature checks the signature against the issuer's key
func (c *Credential) VerifySignature() bool {
	return len(c.Signature) > 0 && c.Issuer.Verify(c.SigningBytes(), c.Signature)
}

// Issue builds and signs a Credential
func Issue(issuer keys.KeyPair, space keys.PublicKey, subject keys.PublicKey, subjectType SubjectType, kind Kind, previous Hash) Credential {
	c := Credential{
		Space:       space,
		Issuer:      issuer.Public,
		Subject:     subject,
		SubjectType: subjectType,
		Kind:        kind,
		Previous:    previous,
	}
	c.Signature = issuer.Sign(c.SigningBytes())
	return c
}

type Malformed struct {
	Reason string
}

func (e Malformed) Error() string {
	return fmt.Sprintf("Malformed credential: %s", e.Reason)
}

// Decode parses the wire form, skipping fields it does not know
func Decode(b []byte) (Credential, error) {
	var c Credential
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, Malformed{Reason: protowire.ParseError(n).Error()}
		}
		b = b[n:]
		switch {
		case typ == protowire.BytesType && (num == fieldSpace || num == fieldIssuer || num == fieldSubject || num == fieldPrevious || num == fieldSignature):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return c, Malformed{Reason: protowire.ParseError(n).Error()}
			}
			b = b[n:]
			if err := c.setBytes(num, v); err != nil {
				return c, err
			}
		case typ == protowire.VarintType && (num == fieldSubjectType || num == fieldKind):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, Malformed{Reason: protowire.ParseError(n).Error()}
			}
			b = b[n:]
			if num == fieldSubjectType {
				c.SubjectType = SubjectType(v)
			} else {
				c.Kind = Kind(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, Malformed{Reason: protowire.ParseError(n).Error()}
			}
			b = b[n:]
		}
	}
	if _, ok := kindsToString[c.Kind]; !ok {
		return c, Malformed{Reason: fmt.Sprintf("unknown kind [%d]", c.Kind)}
	}
	if _, ok := subjectTypesToString[c.SubjectType]; !ok {
		return c, Malformed{Reason: fmt.Sprintf("unknown subject type [%d]", c.SubjectType)}
	}
	return c, nil
}

func (c *Credential) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fieldPrevious:
		if len(v) != len(c.Previous) {
			return Malformed{Reason: "previous hash has the wrong length"}
		}
		copy(c.Previous[:], v)
	case fieldSignature:
		c.Signature = append([]byte(nil), v...)
	default:
		k, err := keys.FromBytes(v)
		if err != nil {
			return Malformed{Reason: err.Error()}
		}
		switch num {
		case fieldSpace:
			c.Space = k
		case fieldIssuer:
			c.Issuer = k
		case fieldSubject:
			c.Subject = k
		}
	}
	return nil
}

// Rejection errors. All of them leave membership untouched.

type WrongSpace struct {
	Expected keys.PublicKey
	Got      keys.PublicKey
}

func (e WrongSpace) Error() string {
	return fmt.Sprintf("Credential is for space [%s], not [%s]", e.Got.Hex(), e.Expected.Hex())
}

type InvalidSignature struct {
	Issuer keys.PublicKey
}

func (e InvalidSignature) Error() string {
	return fmt.Sprintf("Credential signature does not verify against issuer [%s]", e.Issuer.Hex())
}

type BrokenLink struct {
	Expected Hash
	Got      Hash
}

func (e BrokenLink) Error() string {
	return fmt.Sprintf("Credential does not link to the chain head: expected previous [%s], got [%s]", e.Expected, e.Got)
}

type InvalidGenesis struct {
	Reason string
}

func (e InvalidGenesis) Error() string {
	return fmt.Sprintf("Invalid genesis credential: %s", e.Reason)
}

type IssuerNotAdmitted struct {
	Issuer keys.PublicKey
}

func (e IssuerNotAdmitted) Error() string {
	return fmt.Sprintf("Credential issuer [%s] is not an admitted identity", e.Issuer.Hex())
}

type NotMember struct {
	Subject keys.PublicKey
}

func (e NotMember) Error() string {
	return fmt.Sprintf("Cannot revoke [%s], it is not admitted", e.Subject.Hex())
}
