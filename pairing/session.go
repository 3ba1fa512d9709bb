package pairing

import (
	"fmt"
	"strings"
)

const (
	// KeygenMasterParty and KeygenPeerParty label the two keygen participants.
	KeygenMasterParty = "KeyShare1"
	KeygenPeerParty   = "KeyShare2"

	committeeSeparator = ","
)

// Session is what both devices derive independently from the shared payload.
type Session struct {
	ID          string
	ServerURL   string
	PartyID     string
	PeerPartyID string
	Committee   string
}

// ServerURL is the relay address of the master device.
func ServerURL(masterHostPort string) string {
	return "http://" + masterHostPort
}

// DeriveSession computes the session descriptor for one side.
//
// For keygen the party IDs follow the role. For co-signing they come from
// the keyshare, and peerParty (what the other device claims) must differ
// from the local party.
func DeriveSession(hash func([]byte) string, kind CeremonyKind, role Role, payload, serverURL string, keyshare *Keyshare, peerParty string) (Session, error) {
	session := Session{
		ID:        hash([]byte(payload + "/" + serverURL)),
		ServerURL: serverURL,
	}

	switch kind {
	case Keygen:
		switch role {
		case Master:
			session.PartyID, session.PeerPartyID = KeygenMasterParty, KeygenPeerParty
		case Peer:
			session.PartyID, session.PeerPartyID = KeygenPeerParty, KeygenMasterParty
		default:
			return Session{}, fmt.Errorf("%w: role is not elected", ErrInvalidRequest)
		}
		session.Committee = KeygenMasterParty + committeeSeparator + KeygenPeerParty
	case Keysign:
		if err := keyshare.validate(); err != nil {
			return Session{}, err
		}
		session.PartyID = keyshare.LocalPartyKey
		if peerParty == "" {
			peerParty = keyshare.otherParty()
		}
		if peerParty == session.PartyID {
			return Session{}, ErrDuplicateParty
		}
		if !containsString(keyshare.CommitteeKeys, peerParty) {
			return Session{}, fmt.Errorf("%w: peer party %q is not in the keyshare committee", ErrInvalidRequest, peerParty)
		}
		session.PeerPartyID = peerParty
		session.Committee = strings.Join(keyshare.CommitteeKeys, committeeSeparator)
	default:
		return Session{}, fmt.Errorf("%w: unknown ceremony kind %d", ErrInvalidRequest, kind)
	}
	return session, nil
}
