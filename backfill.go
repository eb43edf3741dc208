package syncpad

import (
	"context"
	"fmt"
)

// Baseline is the starting point handed to a resuming client: full content
// at Version, with every later edit following as deltas.
type Baseline struct {
	DocID   string
	Version int64
	Content string
}

// Content materializes the document at its current version. Used by the
// transport for fresh subscribers and by admin reads; not on the submit
// path.
func (a *authority) content(ctx context.Context, docID string) (string, int64, error) {
	cur, err := a.currentVersion(docID)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	content, from := "", int64(0)
	if snap, ok, err := a.log.LatestSnapshotAtOrBefore(ctx, docID, cur); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTransientStorage, err)
	} else if ok {
		content, from = snap.Content, snap.Version
	}
	if from == cur {
		return content, cur, nil
	}
	it := a.log.ReadRange(ctx, docID, from, cur)
	defer it.Close()
	for it.Next() {
		if content, err = a.merge.Apply(content, it.Event().Op); err != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrMergeFailure, err)
		}
	}
	if err := it.Err(); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	return content, cur, nil
}
