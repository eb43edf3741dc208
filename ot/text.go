package ot

// Transformer is the merge function plugged into the version authority.
// Implementations must be deterministic and total for any op computed
// against a base state no newer than the concurrent ops.
type Transformer interface {
	// Transform rewrites payload, computed against some base state, so that
	// it applies cleanly after the given concurrent op payloads, in order.
	Transform(payload []byte, concurrent [][]byte) ([]byte, error)

	// Apply applies an op payload to document content. Used for snapshot
	// construction and backfill verification, never on the submit path.
	Apply(content string, payload []byte) (string, error)
}

// Text is the default Transformer for plain text, using the classic OT
// diamond: already-accepted ops take priority over the incoming one.
type Text struct{}

var _ Transformer = Text{}

func (Text) Transform(payload []byte, concurrent [][]byte) ([]byte, error) {
	op, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	for _, c := range concurrent {
		accepted, err := Decode(c)
		if err != nil {
			return nil, err
		}
		op, _ = transform(op, accepted)
	}
	return []byte(op.Encode()), nil
}

func (Text) Apply(content string, payload []byte) (string, error) {
	op, err := Decode(payload)
	if err != nil {
		return "", err
	}
	return op.Apply(content)
}

// transformInsertDelete derives the bottom two sides of the OT diamond where
// the top two sides are an insert and a delete.
func transformInsertDelete(a *Insert, b *Delete) (ap, bp Op) {
	if a.Pos <= b.Pos {
		// Insert before delete. Delete shifts forward.
		return a, &Delete{b.Pos + len(a.Value), b.Len}
	} else if a.Pos >= b.Pos+b.Len {
		// Insert after delete. Insert shifts backward.
		return &Insert{a.Pos - b.Len, a.Value}, b
	} else {
		// Insert inside the deleted range. Delete expands to cover the
		// insert; the insert collapses to nothing.
		return &Insert{b.Pos, ""}, &Delete{b.Pos, b.Len + len(a.Value)}
	}
}

// transform derives the bottom two sides of the OT diamond, turning (a, b)
// into (a', b'). b takes priority over a, e.g. for insert-insert conflicts.
func transform(a, b Op) (ap, bp Op) {
	switch ai := a.(type) {
	case *Insert:
		switch bi := b.(type) {
		case *Insert:
			// Equal insert positions: a' shifts forward.
			if bi.Pos <= ai.Pos {
				return &Insert{ai.Pos + len(bi.Value), ai.Value}, b
			}
			return a, &Insert{bi.Pos + len(ai.Value), bi.Value}
		case *Delete:
			return transformInsertDelete(ai, bi)
		}
	case *Delete:
		switch bi := b.(type) {
		case *Insert:
			ins, del := transformInsertDelete(bi, ai)
			return del, ins
		case *Delete:
			aEnd, bEnd := ai.Pos+ai.Len, bi.Pos+bi.Len
			if aEnd <= bi.Pos {
				return a, &Delete{bi.Pos - ai.Len, bi.Len}
			} else if bEnd <= ai.Pos {
				return &Delete{ai.Pos - bi.Len, ai.Len}, b
			}
			// Deletions overlap; each keeps only its non-shared part.
			pos := min(ai.Pos, bi.Pos)
			overlap := min(aEnd, bEnd) - max(ai.Pos, bi.Pos)
			return &Delete{pos, ai.Len - overlap}, &Delete{pos, bi.Len - overlap}
		}
	}
	return nil, nil
}
