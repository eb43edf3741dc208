package syncpad

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/syncpad/syncpad/utils"
)

// Broker routes accepted edits and presence changes to every live session
// subscribed to a document. Delivery to one session never blocks delivery
// to the others: a session whose queue is full is closed (edits must not be
// dropped) and unregistered, everyone else proceeds.
type Broker struct {
	docs    *xsync.MapOf[string, *xsync.MapOf[string, *Session]]
	metrics *Metrics
	log     utils.Logger
}

func newBroker(metrics *Metrics, log utils.Logger) *Broker {
	return &Broker{
		docs:    xsync.NewMapOf[string, *xsync.MapOf[string, *Session]](),
		metrics: metrics,
		log:     log,
	}
}

func (b *Broker) attach(docID, userID string, queueLimit int) *Session {
	s := newSession(docID, userID, queueLimit, b.detach)
	subs, _ := b.docs.LoadOrCompute(docID, func() *xsync.MapOf[string, *Session] {
		return xsync.NewMapOf[string, *Session]()
	})
	subs.Store(s.ID, s)
	b.metrics.sessionsLive.Inc()
	return s
}

func (b *Broker) detach(s *Session) {
	if subs, ok := b.docs.Load(s.DocID); ok {
		if _, present := subs.LoadAndDelete(s.ID); present {
			b.metrics.sessionsLive.Dec()
		}
	}
}

// PublishEdit delivers one accepted edit to all subscribers of its
// document. Called by the authority in version order per document.
func (b *Broker) PublishEdit(ev EditEvent) {
	subs, ok := b.docs.Load(ev.DocID)
	if !ok {
		return
	}
	subs.Range(func(id string, s *Session) bool {
		if err := s.enqueueEdit(ev); err != nil {
			b.metrics.sessionOverflows.Inc()
			b.log.Warn("session dropped: outbound queue overflow",
				"session", id, "doc", ev.DocID, "version", ev.Version)
		}
		return true
	})
	b.metrics.editsFannedOut.Inc()
}

// PublishPresence delivers a presence change to all subscribers of its
// document. Loss-tolerant.
func (b *Broker) PublishPresence(pe PresenceEvent) {
	subs, ok := b.docs.Load(pe.DocID)
	if !ok {
		return
	}
	subs.Range(func(_ string, s *Session) bool {
		s.enqueuePresence(pe)
		return true
	})
}

// Subscribers reports the number of live sessions on a document.
func (b *Broker) Subscribers(docID string) int {
	if subs, ok := b.docs.Load(docID); ok {
		return subs.Size()
	}
	return 0
}

func (b *Broker) closeAll() {
	b.docs.Range(func(_ string, subs *xsync.MapOf[string, *Session]) bool {
		subs.Range(func(_ string, s *Session) bool {
			_ = s.Close()
			return true
		})
		return true
	})
}
