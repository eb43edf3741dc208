package syncpad

import (
	"bytes"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/syncpad/syncpad/utils"
)

// PresenceEntry is one client currently viewing a document.
type PresenceEntry struct {
	ClientID string
	UserID   string
	Cursor   []byte
	LastSeen time.Time
}

// presenceTracker keeps the ephemeral who-is-here state per document.
// Nothing here is persisted: after a restart presence rebuilds from client
// heartbeats within one TTL. A client that stops heartbeating is swept with
// a synthetic LEAVE exactly once.
type presenceTracker struct {
	rooms   *xsync.MapOf[string, *xsync.MapOf[string, *PresenceEntry]]
	ttl     time.Duration
	broker  *Broker
	metrics *Metrics
	log     utils.Logger

	now  func() time.Time
	done chan struct{}
}

func newPresenceTracker(ttl time.Duration, broker *Broker, metrics *Metrics, log utils.Logger) *presenceTracker {
	return &presenceTracker{
		rooms:   xsync.NewMapOf[string, *xsync.MapOf[string, *PresenceEntry]](),
		ttl:     ttl,
		broker:  broker,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

func (p *presenceTracker) room(docID string) *xsync.MapOf[string, *PresenceEntry] {
	r, _ := p.rooms.LoadOrCompute(docID, func() *xsync.MapOf[string, *PresenceEntry] {
		return xsync.NewMapOf[string, *PresenceEntry]()
	})
	return r
}

// Heartbeat refreshes a client's liveness. The first heartbeat after
// absence publishes JOIN, a cursor change publishes CURSOR, otherwise
// HEARTBEAT. Expired entries count as absent, so a client that went silent
// past the TTL rejoins rather than resumes.
func (p *presenceTracker) Heartbeat(docID, clientID, userID string, cursor []byte) {
	now := p.now()
	kind := PresenceHeartbeat
	p.room(docID).Compute(clientID, func(old *PresenceEntry, loaded bool) (*PresenceEntry, bool) {
		switch {
		case !loaded || now.Sub(old.LastSeen) > p.ttl:
			kind = PresenceJoin
		case !bytes.Equal(old.Cursor, cursor):
			kind = PresenceCursor
		}
		return &PresenceEntry{ClientID: clientID, UserID: userID, Cursor: cursor, LastSeen: now}, false
	})
	p.publish(PresenceEvent{
		Type: kind, DocID: docID, ClientID: clientID, UserID: userID,
		Cursor: cursor, Timestamp: now,
	})
}

// Leave removes the client and publishes LEAVE if it was present.
func (p *presenceTracker) Leave(docID, clientID string) {
	r, ok := p.rooms.Load(docID)
	if !ok {
		return
	}
	entry, present := r.LoadAndDelete(clientID)
	if !present {
		return
	}
	p.publish(PresenceEvent{
		Type: PresenceLeave, DocID: docID, ClientID: clientID,
		UserID: entry.UserID, Timestamp: p.now(),
	})
}

// Snapshot lists the clients live on a document right now. Entries past
// the TTL are filtered even if the sweeper has not reached them yet.
func (p *presenceTracker) Snapshot(docID string) []PresenceEntry {
	r, ok := p.rooms.Load(docID)
	if !ok {
		return nil
	}
	now := p.now()
	var out []PresenceEntry
	r.Range(func(_ string, e *PresenceEntry) bool {
		if now.Sub(e.LastSeen) <= p.ttl {
			out = append(out, *e)
		}
		return true
	})
	return out
}

// sweep drops expired entries and publishes their synthetic LEAVE. The
// conditional delete inside Compute makes the LEAVE single-shot even when
// a heartbeat races in: the heartbeat either refreshes the entry before
// the delete, or re-creates it after and publishes JOIN.
func (p *presenceTracker) sweep() {
	now := p.now()
	p.rooms.Range(func(docID string, r *xsync.MapOf[string, *PresenceEntry]) bool {
		r.Range(func(clientID string, e *PresenceEntry) bool {
			if now.Sub(e.LastSeen) <= p.ttl {
				return true
			}
			var left *PresenceEntry
			r.Compute(clientID, func(old *PresenceEntry, loaded bool) (*PresenceEntry, bool) {
				if loaded && now.Sub(old.LastSeen) > p.ttl {
					left = old
					return nil, true
				}
				return old, !loaded
			})
			if left != nil {
				p.publish(PresenceEvent{
					Type: PresenceLeave, DocID: docID, ClientID: clientID,
					UserID: left.UserID, Timestamp: now,
				})
			}
			return true
		})
		return true
	})
}

func (p *presenceTracker) publish(pe PresenceEvent) {
	p.metrics.presenceEvents.Inc()
	p.broker.PublishPresence(pe)
}

func (p *presenceTracker) run() {
	ticker := time.NewTicker(p.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.done:
			return
		}
	}
}

func (p *presenceTracker) close() {
	close(p.done)
}
