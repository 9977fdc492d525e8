package replication

import (
	"github.com/fxamacker/cbor/v2"

	"trustsync/internal/identity"
	"trustsync/internal/syncenc"
)

type (
	SpaceType string

	// SpaceInfo is the shareable description of a space.
	SpaceInfo struct {
		ID        string    `json:"id"`
		Type      SpaceType `json:"type"`
		Members   []string  `json:"members"`
		CreatedAt string    `json:"createdAt"`
	}

	// contentPayload travels CBOR-encoded in a content envelope. The diff
	// list itself is CBOR-framed and encrypted inside Change, so the
	// individual diff lengths are only visible to key holders.
	contentPayload struct {
		SpaceID string                   `cbor:"spaceId"`
		Change  *syncenc.EncryptedChange `cbor:"change"`
	}

	// invitePayload travels JSON-encoded in a space-invite envelope. It
	// carries everything a new member needs: the wrapped current group key,
	// the encrypted full document snapshot and the membership metadata
	// (including member encryption keys, so the invitee can itself rekey
	// after a later removal).
	invitePayload struct {
		Space        SpaceInfo                `json:"space"`
		Generation   int                      `json:"generation"`
		WrappedKey   *identity.Sealed         `json:"wrappedKey"`
		EncryptedDoc *syncenc.EncryptedChange `json:"encryptedDoc"`
		MemberKeys   map[string][]byte        `json:"memberKeys"`
	}

	// rotationPayload travels JSON-encoded in a group-key-rotation
	// envelope, one per remaining member.
	rotationPayload struct {
		SpaceID    string           `json:"spaceId"`
		Generation int              `json:"generation"`
		WrappedKey *identity.Sealed `json:"wrappedKey"`
	}
)

const (
	SpacePersonal SpaceType = "personal"
	SpaceShared   SpaceType = "shared"
)

type MemberAction string

const (
	MemberAdded   MemberAction = "added"
	MemberRemoved MemberAction = "removed"
)

// MemberChange notifies local listeners about membership mutations this
// peer performed.
type MemberChange struct {
	SpaceID string
	Did     string
	Action  MemberAction
}

func frameDiffs(diffs [][]byte) ([]byte, error) {
	return cbor.Marshal(diffs)
}

func splitDiffs(data []byte) ([][]byte, error) {
	var diffs [][]byte
	if err := cbor.Unmarshal(data, &diffs); err != nil {
		return nil, err
	}
	return diffs, nil
}
