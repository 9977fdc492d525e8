package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"trustsync/internal/crdt"
	"trustsync/internal/groupkey"
	"trustsync/internal/identity"
	"trustsync/internal/model"
	"trustsync/internal/syncenc"
	"trustsync/internal/utils/log"
)

var (
	ErrUnknownSpace  = errors.New("replication: unknown space")
	ErrHandleClosed  = errors.New("replication: handle is closed")
	ErrNotMember     = errors.New("replication: did is not a member")
	ErrAlreadyMember = errors.New("replication: did is already a member")
)

// sendTimeout bounds the receipt wait of invite, rotation and broadcast
// envelopes.
const sendTimeout = 15 * time.Second

type (
	// Transport is the envelope-sending capability the adapter needs; the
	// transport client satisfies it.
	Transport interface {
		Send(ctx context.Context, env *model.MessageEnvelope) (*model.DeliveryReceipt, error)
	}

	MemberChangeHandler func(change MemberChange)

	// spaceState is the live, in-memory state of one space: the document,
	// the open handles and each member's encryption public key (needed to
	// rekey on membership change).
	spaceState struct {
		info       SpaceInfo
		doc        crdt.Doc
		handles    map[*Handle]struct{}
		memberKeys map[string][]byte
	}

	// Adapter maintains encrypted CRDT spaces synchronized over the relay
	// transport. It owns the space map exclusively.
	Adapter struct {
		transport Transport
		engine    crdt.Engine
		keys      groupkey.Service
		enc       syncenc.Encryptor
		id        identity.Identity

		mu              sync.Mutex
		spaces          map[string]*spaceState
		memberListeners []MemberChangeHandler
	}
)

func NewAdapter(t Transport, engine crdt.Engine, keys groupkey.Service, enc syncenc.Encryptor, id identity.Identity) *Adapter {
	return &Adapter{
		transport: t,
		engine:    engine,
		keys:      keys,
		enc:       enc,
		id:        id,
		spaces:    make(map[string]*spaceState),
	}
}

// HandleEnvelope is the adapter's inbound entry point; register it as a
// transport message handler. Envelope types the adapter does not own are a
// no-op so other subscribers can claim them.
func (a *Adapter) HandleEnvelope(env *model.MessageEnvelope) error {
	switch env.Type {
	case model.EnvelopeContent:
		return a.handleContent(env)
	case model.EnvelopeSpaceInvite:
		return a.handleInvite(env)
	case model.EnvelopeGroupKeyRotation:
		return a.handleRotation(env)
	default:
		return nil
	}
}

// OnMemberChange registers a listener for local membership mutations.
func (a *Adapter) OnMemberChange(h MemberChangeHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memberListeners = append(a.memberListeners, h)
}

// CreateSpace initializes a new space with this peer as sole member and
// mints its generation-0 group key.
func (a *Adapter) CreateSpace(spaceType SpaceType, initial map[string]any) (*SpaceInfo, error) {
	doc, err := a.engine.Init(initial)
	if err != nil {
		return nil, fmt.Errorf("replication: init document: %w", err)
	}

	spaceID := uuid.NewString()
	if _, err := a.keys.CreateKey(spaceID); err != nil {
		return nil, fmt.Errorf("replication: mint group key: %w", err)
	}

	self := a.id.DID()
	info := SpaceInfo{
		ID:        spaceID,
		Type:      spaceType,
		Members:   []string{self},
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}

	a.mu.Lock()
	a.spaces[spaceID] = &spaceState{
		info:       info,
		doc:        doc,
		handles:    make(map[*Handle]struct{}),
		memberKeys: map[string][]byte{self: a.id.EncryptionPublicKey()},
	}
	a.mu.Unlock()

	out := info
	out.Members = append([]string(nil), info.Members...)
	return &out, nil
}

// OpenSpace returns a handle bound to the space's shared state.
func (a *Adapter) OpenSpace(spaceID string) (*Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.spaces[spaceID]
	if !ok {
		return nil, ErrUnknownSpace
	}
	h := &Handle{adapter: a, spaceID: spaceID}
	st.handles[h] = struct{}{}
	return h, nil
}

// Info returns a copy of the space's metadata.
func (a *Adapter) Info(spaceID string) (*SpaceInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.spaces[spaceID]
	if !ok {
		return nil, ErrUnknownSpace
	}
	out := st.info
	out.Members = append([]string(nil), st.info.Members...)
	return &out, nil
}

// Stop tears down all local space state and closes every open handle.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, st := range a.spaces {
		for h := range st.handles {
			delete(st.handles, h)
		}
	}
	a.spaces = make(map[string]*spaceState)
}

func (a *Adapter) doc(spaceID string) (crdt.Doc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.spaces[spaceID]
	if !ok {
		return nil, ErrUnknownSpace
	}
	return st.doc, nil
}

func (a *Adapter) closeHandle(h *Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.spaces[h.spaceID]; ok {
		delete(st.handles, h)
	}
}

// transact applies a local mutation, commits it, and broadcasts the diffs
// fire-and-forget: a transport problem never rolls back the mutation.
func (a *Adapter) transact(h *Handle, mutate func(doc crdt.Doc)) error {
	a.mu.Lock()
	st, ok := a.spaces[h.spaceID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownSpace
	}
	if _, open := st.handles[h]; !open {
		a.mu.Unlock()
		return ErrHandleClosed
	}

	before := st.doc
	after, err := a.engine.Change(before, mutate)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("replication: change: %w", err)
	}
	st.doc = after

	diffs, err := a.engine.GetChanges(before, after)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("replication: diff: %w", err)
	}
	members := append([]string(nil), st.info.Members...)
	a.mu.Unlock()

	if len(diffs) == 0 {
		return nil
	}
	go a.broadcastChanges(h.spaceID, members, diffs)
	return nil
}

// broadcastChanges encrypts the concatenated diffs under the space's
// current key generation and sends one content envelope per member. All
// failures are swallowed; a missing key (mid-rotation) just skips the
// broadcast.
func (a *Adapter) broadcastChanges(spaceID string, members []string, diffs [][]byte) {
	key, ok := a.keys.CurrentKey(spaceID)
	if !ok {
		log.Debug("no current key, skipping broadcast", zap.String("space", spaceID))
		return
	}

	plain, err := frameDiffs(diffs)
	if err != nil {
		log.Error("diff framing failed", zap.String("space", spaceID), zap.Error(err))
		return
	}

	change, err := a.enc.EncryptChange(plain, key, spaceID, a.id.DID())
	if err != nil {
		log.Error("change encryption failed", zap.String("space", spaceID), zap.Error(err))
		return
	}

	payload, err := cbor.Marshal(&contentPayload{SpaceID: spaceID, Change: change})
	if err != nil {
		log.Error("content payload encode failed", zap.String("space", spaceID), zap.Error(err))
		return
	}

	for _, member := range members {
		if member == a.id.DID() {
			continue
		}
		env := a.newSignedEnvelope(model.EnvelopeContent, member, model.EncodingCBOR, payload, spaceID)

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if _, err := a.transport.Send(ctx, env); err != nil {
			log.Warn("content broadcast failed", zap.String("space", spaceID), zap.String("to", member), zap.Error(err))
		}
		cancel()
	}
}

// AddMember invites a DID: the current group key is wrapped for the new
// member and the full document snapshot travels encrypted in the same
// space-invite envelope.
func (a *Adapter) AddMember(ctx context.Context, spaceID, did string, encryptionPub []byte) error {
	a.mu.Lock()
	st, ok := a.spaces[spaceID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownSpace
	}
	for _, m := range st.info.Members {
		if m == did {
			a.mu.Unlock()
			return ErrAlreadyMember
		}
	}

	key, ok := a.keys.CurrentKey(spaceID)
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("replication: space %s has no group key", spaceID)
	}

	snapshot, err := a.engine.Save(st.doc)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("replication: snapshot: %w", err)
	}

	st.info.Members = append(st.info.Members, did)
	st.memberKeys[did] = append([]byte(nil), encryptionPub...)

	info := st.info
	info.Members = append([]string(nil), st.info.Members...)
	memberKeys := make(map[string][]byte, len(st.memberKeys))
	for k, v := range st.memberKeys {
		memberKeys[k] = v
	}
	a.mu.Unlock()

	wrapped, err := a.id.EncryptForRecipient(key.Material, encryptionPub)
	if err != nil {
		return fmt.Errorf("replication: wrap group key: %w", err)
	}

	encDoc, err := a.enc.EncryptChange(snapshot, key, spaceID, a.id.DID())
	if err != nil {
		return fmt.Errorf("replication: encrypt snapshot: %w", err)
	}

	payload, err := json.Marshal(&invitePayload{
		Space:        info,
		Generation:   key.Generation,
		WrappedKey:   wrapped,
		EncryptedDoc: encDoc,
		MemberKeys:   memberKeys,
	})
	if err != nil {
		return fmt.Errorf("replication: invite payload: %w", err)
	}

	env := a.newSignedEnvelope(model.EnvelopeSpaceInvite, did, model.EncodingJSON, payload, spaceID)
	if _, err := a.transport.Send(ctx, env); err != nil {
		return fmt.Errorf("replication: send invite: %w", err)
	}

	a.notifyMemberChange(MemberChange{SpaceID: spaceID, Did: did, Action: MemberAdded})
	return nil
}

// RemoveMember drops the DID and rotates the group key; every remaining
// member gets the new generation wrapped under its own encryption key. The
// removed member simply stops receiving rotations.
func (a *Adapter) RemoveMember(ctx context.Context, spaceID, did string) error {
	a.mu.Lock()
	st, ok := a.spaces[spaceID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownSpace
	}

	idx := -1
	for i, m := range st.info.Members {
		if m == did {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.mu.Unlock()
		return ErrNotMember
	}

	// Rotate before touching membership: if the rotation fails the space
	// must keep its old member list, or it would encrypt under a
	// generation the supposedly removed member still holds.
	newKey, err := a.keys.RotateKey(spaceID)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("replication: rotate key: %w", err)
	}

	st.info.Members = append(st.info.Members[:idx], st.info.Members[idx+1:]...)
	delete(st.memberKeys, did)

	remaining := make(map[string][]byte, len(st.memberKeys))
	for k, v := range st.memberKeys {
		remaining[k] = v
	}
	a.mu.Unlock()

	for member, pub := range remaining {
		if member == a.id.DID() {
			continue
		}

		wrapped, err := a.id.EncryptForRecipient(newKey.Material, pub)
		if err != nil {
			log.Error("rekey wrap failed", zap.String("space", spaceID), zap.String("member", member), zap.Error(err))
			continue
		}
		payload, err := json.Marshal(&rotationPayload{
			SpaceID:    spaceID,
			Generation: newKey.Generation,
			WrappedKey: wrapped,
		})
		if err != nil {
			log.Error("rotation payload failed", zap.String("space", spaceID), zap.Error(err))
			continue
		}

		env := a.newSignedEnvelope(model.EnvelopeGroupKeyRotation, member, model.EncodingJSON, payload, spaceID)
		if _, err := a.transport.Send(ctx, env); err != nil {
			log.Warn("rotation send failed", zap.String("space", spaceID), zap.String("member", member), zap.Error(err))
		}
	}

	a.notifyMemberChange(MemberChange{SpaceID: spaceID, Did: did, Action: MemberRemoved})
	return nil
}

// handleInvite materializes a space from a received invite: unwrap the
// group key, import it at the stated generation, decrypt and load the
// document snapshot.
func (a *Adapter) handleInvite(env *model.MessageEnvelope) error {
	var payload invitePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.Warn("malformed invite payload", zap.String("from", env.FromDid), zap.Error(err))
		return nil
	}

	material, err := a.id.DecryptForMe(payload.WrappedKey)
	if err != nil {
		log.Warn("invite key unwrap failed", zap.String("space", payload.Space.ID), zap.Error(err))
		return nil
	}
	if err := a.keys.ImportKey(payload.Space.ID, material, payload.Generation); err != nil {
		return err
	}

	// The transport redelivers un-acked envelopes, so the same invite can
	// arrive more than once. The key import above is idempotent; a live
	// space must not be reset to the invite's stale snapshot, which would
	// also orphan every open handle.
	a.mu.Lock()
	_, known := a.spaces[payload.Space.ID]
	a.mu.Unlock()
	if known {
		log.Debug("invite for known space, keeping state",
			zap.String("space", payload.Space.ID),
			zap.String("from", env.FromDid))
		return nil
	}

	key, ok := a.keys.KeyByGeneration(payload.Space.ID, payload.Generation)
	if !ok {
		return fmt.Errorf("replication: imported key vanished for space %s", payload.Space.ID)
	}

	snapshot, err := a.enc.DecryptChange(payload.EncryptedDoc, key, payload.Space.ID)
	if err != nil {
		log.Warn("invite snapshot decrypt failed", zap.String("space", payload.Space.ID), zap.Error(err))
		return nil
	}

	doc, err := a.engine.Load(snapshot)
	if err != nil {
		return fmt.Errorf("replication: load snapshot: %w", err)
	}

	memberKeys := payload.MemberKeys
	if memberKeys == nil {
		memberKeys = make(map[string][]byte)
	}
	if _, ok := memberKeys[a.id.DID()]; !ok {
		memberKeys[a.id.DID()] = a.id.EncryptionPublicKey()
	}

	a.mu.Lock()
	a.spaces[payload.Space.ID] = &spaceState{
		info:       payload.Space,
		doc:        doc,
		handles:    make(map[*Handle]struct{}),
		memberKeys: memberKeys,
	}
	a.mu.Unlock()

	log.Info("space materialized from invite",
		zap.String("space", payload.Space.ID),
		zap.String("from", env.FromDid),
		zap.Int("generation", payload.Generation))
	return nil
}

// handleContent applies a remote encrypted change. An unknown space or a
// missing key generation is an expected no-op (propagation delay or
// eviction), never an error.
func (a *Adapter) handleContent(env *model.MessageEnvelope) error {
	var payload contentPayload
	if err := cbor.Unmarshal(env.Payload, &payload); err != nil {
		log.Warn("malformed content payload", zap.String("from", env.FromDid), zap.Error(err))
		return nil
	}
	if payload.Change == nil {
		return nil
	}

	a.mu.Lock()
	st, ok := a.spaces[payload.SpaceID]
	a.mu.Unlock()
	if !ok {
		log.Debug("content for unknown space", zap.String("space", payload.SpaceID))
		return nil
	}

	key, ok := a.keys.KeyByGeneration(payload.SpaceID, payload.Change.Generation)
	if !ok {
		// Expected after eviction: generations minted post-removal are
		// permanently unobtainable.
		log.Debug("no key for generation",
			zap.String("space", payload.SpaceID),
			zap.Int("generation", payload.Change.Generation))
		return nil
	}

	plain, err := a.enc.DecryptChange(payload.Change, key, payload.SpaceID)
	if err != nil {
		log.Warn("content decrypt failed", zap.String("space", payload.SpaceID), zap.Error(err))
		return nil
	}

	diffs, err := splitDiffs(plain)
	if err != nil {
		log.Warn("content diff framing invalid", zap.String("space", payload.SpaceID), zap.Error(err))
		return nil
	}

	a.mu.Lock()
	doc, err := a.engine.ApplyChanges(st.doc, diffs)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("replication: apply changes: %w", err)
	}
	st.doc = doc

	var callbacks []RemoteUpdateHandler
	for h := range st.handles {
		callbacks = append(callbacks, h.remoteUpdate...)
	}
	a.mu.Unlock()

	for _, cb := range callbacks {
		cb(doc)
	}
	return nil
}

// handleRotation imports the new key generation; no document mutation.
func (a *Adapter) handleRotation(env *model.MessageEnvelope) error {
	var payload rotationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.Warn("malformed rotation payload", zap.String("from", env.FromDid), zap.Error(err))
		return nil
	}

	material, err := a.id.DecryptForMe(payload.WrappedKey)
	if err != nil {
		log.Warn("rotation key unwrap failed", zap.String("space", payload.SpaceID), zap.Error(err))
		return nil
	}
	return a.keys.ImportKey(payload.SpaceID, material, payload.Generation)
}

func (a *Adapter) newSignedEnvelope(t model.EnvelopeType, toDid string, encoding model.PayloadEncoding, payload []byte, spaceID string) *model.MessageEnvelope {
	env := model.NewEnvelope(t, a.id.DID(), toDid, encoding, payload)
	env.Resource = spaceID
	env.Signature = a.id.Sign(env.CanonicalBytes())
	return env
}

func (a *Adapter) notifyMemberChange(change MemberChange) {
	a.mu.Lock()
	listeners := make([]MemberChangeHandler, len(a.memberListeners))
	copy(listeners, a.memberListeners)
	a.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
}
