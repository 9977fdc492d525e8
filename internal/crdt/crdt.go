// Package crdt declares the document capability the replication layer
// consumes. The merge algorithm and causal history live in the external
// implementation; this module only moves opaque docs and binary diffs.
package crdt

type (
	// Doc is an opaque document value. Engines may return a new value from
	// every mutation (immutable snapshots) or the same one.
	Doc any

	Engine interface {
		// Init builds a fresh document from an initial value.
		Init(initial map[string]any) (Doc, error)

		// Change applies a local mutation and returns the resulting doc.
		Change(doc Doc, mutate func(doc Doc)) (Doc, error)

		// GetChanges returns the binary diffs that lead from before to after.
		GetChanges(before, after Doc) ([][]byte, error)

		// ApplyChanges merges remote diffs, in order, into doc.
		ApplyChanges(doc Doc, changes [][]byte) (Doc, error)

		// Save serializes the full document state.
		Save(doc Doc) ([]byte, error)

		// Load materializes a document from Save output.
		Load(data []byte) (Doc, error)
	}
)
