package replication

import (
	"trustsync/internal/crdt"
)

type (
	RemoteUpdateHandler func(doc crdt.Doc)

	// Handle is one view onto a space. Closing it detaches only this view;
	// the space and its other handles keep working.
	Handle struct {
		adapter *Adapter
		spaceID string

		remoteUpdate []RemoteUpdateHandler
	}
)

func (h *Handle) SpaceID() string { return h.spaceID }

// Transact applies a local mutation and broadcasts the resulting diffs to
// the other members. The mutation commits locally even when the broadcast
// cannot be sent.
func (h *Handle) Transact(mutate func(doc crdt.Doc)) error {
	return h.adapter.transact(h, mutate)
}

// Doc returns the space's current document.
func (h *Handle) Doc() (crdt.Doc, error) {
	return h.adapter.doc(h.spaceID)
}

// OnRemoteUpdate registers a callback invoked after a remote change has
// been applied to this space's document.
func (h *Handle) OnRemoteUpdate(cb RemoteUpdateHandler) {
	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	h.remoteUpdate = append(h.remoteUpdate, cb)
}

// Close detaches the handle. Idempotent.
func (h *Handle) Close() {
	h.adapter.closeHandle(h)
}
