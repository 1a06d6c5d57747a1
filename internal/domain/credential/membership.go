package credential

import (
	"bytes"
	"sort"

	"github.com/lloydmeta/echo/internal/domain/keys"
)

type feedGrant struct {
	owner    keys.PublicKey
	admitted bool
}

// Membership is the state reached by folding a sequence of valid credentials. It is an
// immutable value; Fold returns a new one.
type Membership struct {
	space      keys.PublicKey
	head       Hash
	length     int
	identities map[keys.PublicKey]bool // true while admitted
	feeds      map[keys.PublicKey]feedGrant
}

// Genesis is the empty membership of a space, before any credential
func Genesis(space keys.PublicKey) Membership {
	return Membership{
		space:      space,
		head:       GenesisHash(space),
		identities: map[keys.PublicKey]bool{},
		feeds:      map[keys.PublicKey]feedGrant{},
	}
}

func (m Membership) Space() keys.PublicKey {
	return m.space
}

// Head is the hash the next credential must link to
func (m Membership) Head() Hash {
	return m.head
}

// Length is the number of credentials folded in
func (m Membership) Length() int {
	return m.length
}

func (m Membership) IsIdentityAdmitted(identity keys.PublicKey) bool {
	return m.identities[identity]
}

// IsFeedAdmitted tells whether the feed was admitted and the identity that admitted it still is
func (m Membership) IsFeedAdmitted(feedKey keys.PublicKey) bool {
	grant, ok := m.feeds[feedKey]
	return ok && grant.admitted && m.identities[grant.owner]
}

// AdmittedBy returns the identity that owns an admitted feed
func (m Membership) AdmittedBy(feedKey keys.PublicKey) (keys.PublicKey, bool) {
	grant, ok := m.feeds[feedKey]
	if !ok || !grant.admitted {
		return keys.PublicKey{}, false
	}
	return grant.owner, true
}

// Identities lists the admitted identities in key order
func (m Membership) Identities() []keys.PublicKey {
	out := make([]keys.PublicKey, 0, len(m.identities))
	for k, admitted := range m.identities {
		if admitted {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

// Feeds lists the admitted feeds in key order
func (m Membership) Feeds() []keys.PublicKey {
	out := make([]keys.PublicKey, 0, len(m.feeds))
	for k := range m.feeds {
		if m.IsFeedAdmitted(k) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

func sortKeys(ks []keys.PublicKey) {
	sort.Slice(ks, func(i, j int) bool {
		return bytes.Compare(ks[i][:], ks[j][:]) < 0
	})
}

func (m Membership) clone() Membership {
	identities := make(map[keys.PublicKey]bool, len(m.identities)+1)
	for k, v := range m.identities {
		identities[k] = v
	}
	feeds := make(map[keys.PublicKey]feedGrant, len(m.feeds)+1)
	for k, v := range m.feeds {
		feeds[k] = v
	}
	return Membership{space: m.space, head: m.head, length: m.length, identities: identities, feeds: feeds}
}

func (m Membership) isAdmitted(subject keys.PublicKey, subjectType SubjectType) bool {
	if subjectType == IDENTITY {
		return m.IsIdentityAdmitted(subject)
	}
	grant, ok := m.feeds[subject]
	return ok && grant.admitted
}

// Fold applies one credential to m. It is pure: on rejection m is returned unchanged along
// with the reason, on success the new Membership is returned.
func Fold(m Membership, c Credential) (Membership, error) {
	if c.Space != m.space {
		return m, WrongSpace{Expected: m.space, Got: c.Space}
	}
	if !c.VerifySignature() {
		return m, InvalidSignature{Issuer: c.Issuer}
	}
	if c.Previous != m.head {
		return m, BrokenLink{Expected: m.head, Got: c.Previous}
	}
	if m.length == 0 {
		if c.Kind != ADMIT || c.SubjectType != IDENTITY || c.Issuer != c.Subject {
			return m, InvalidGenesis{Reason: "the first credential must be a self-issued identity admission"}
		}
	} else if !m.IsIdentityAdmitted(c.Issuer) {
		return m, IssuerNotAdmitted{Issuer: c.Issuer}
	}
	if c.Kind == REVOKE && !m.isAdmitted(c.Subject, c.SubjectType) {
		return m, NotMember{Subject: c.Subject}
	}

	next := m.clone()
	switch c.SubjectType {
	case IDENTITY:
		next.identities[c.Subject] = c.Kind == ADMIT
	case FEED:
		grant, exists := next.feeds[c.Subject]
		if c.Kind == ADMIT {
			if !exists || !grant.admitted {
				grant.owner = c.Issuer
			}
			grant.admitted = true
		} else {
			grant.admitted = false
		}
		next.feeds[c.Subject] = grant
	}
	next.head = c.Hash()
	next.length++
	return next, nil
}

// Rejected pairs a credential that did not fold with the reason why
type Rejected struct {
	Credential Credential
	Reason     error
}

// Replay re-derives membership from an ordered credential sequence, skipping the ones that
// do not fold
func Replay(space keys.PublicKey, credentials []Credential) (Membership, []Rejected) {
	m := Genesis(space)
	var rejected []Rejected
	for _, c := range credentials {
		next, err := Fold(m, c)
		if err != nil {
			rejected = append(rejected, Rejected{Credential: c, Reason: err})
			continue
		}
		m = next
	}
	return m, rejected
}
