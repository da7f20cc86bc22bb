package docstore

// Undo is a value describing how to reverse a completed write. It is data,
// not a closure, so it can be held across the graph write and applied by
// whichever component owns the failure path. The zero value means there is
// nothing to compensate.
type Undo struct {
	steps []undoStep
}

type undoKind int

const (
	// undoDeleteVersion permanently removes one version or delete marker,
	// restoring whatever version preceded it.
	undoDeleteVersion undoKind = iota
	// undoRestoreBody re-uploads a body that a delete removed.
	undoRestoreBody
)

type undoStep struct {
	kind    undoKind
	key     string
	version string
	body    []byte
}

// IsZero reports whether there is nothing to undo.
func (u Undo) IsZero() bool {
	return len(u.steps) == 0
}

func undoDelete(key, version string) Undo {
	return Undo{steps: []undoStep{{kind: undoDeleteVersion, key: key, version: version}}}
}

func undoRestore(key string, body []byte) Undo {
	return Undo{steps: []undoStep{{kind: undoRestoreBody, key: key, body: body}}}
}

// combine chains undos so the most recent write is reversed first.
func combine(undos ...Undo) Undo {
	out := Undo{}
	for i := len(undos) - 1; i >= 0; i-- {
		out.steps = append(out.steps, undos[i].steps...)
	}
	return out
}
