// Package ws is the WebSocket transport over the collaboration core: one
// connection serves one client on one document, with JSON messages both
// ways.
package ws

// ClientMessage is anything a client sends. Type selects the operation;
// the other fields are read per type.
type ClientMessage struct {
	Type string `json:"type"`

	DocID    string `json:"docId,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	// submit
	Seq         int64  `json:"seq,omitempty"`
	BaseVersion int64  `json:"baseVersion,omitempty"`
	Op          string `json:"op,omitempty"`

	// subscribe
	LastAcked int64 `json:"lastAcked,omitempty"`

	// heartbeat
	Cursor string `json:"cursor,omitempty"`

	// ack
	Version int64 `json:"version,omitempty"`
}

const (
	ClientSubscribe = "subscribe"
	ClientSubmit    = "submit"
	ClientHeartbeat = "heartbeat"
	ClientAck       = "ack"
	ClientLeave     = "leave"
)

// ServerMessage is anything the server sends.
type ServerMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId,omitempty"`

	// welcome: the resume baseline, then deltas follow as edit messages
	BaselineVersion int64  `json:"baselineVersion,omitempty"`
	Content         string `json:"content,omitempty"`

	// edit / accepted
	Version  int64  `json:"version,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
	Op       string `json:"op,omitempty"`

	// presence
	Presence string `json:"presence,omitempty"`
	Cursor   string `json:"cursor,omitempty"`

	// rejected / error
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	ServerWelcome  = "welcome"
	ServerEdit     = "edit"
	ServerAccepted = "accepted"
	ServerPresence = "presence"
	ServerRejected = "rejected"
	ServerError    = "error"
)

// Rejection codes a client can branch on.
const (
	CodeStaleBase   = "STALE_BASE_VERSION"
	CodeMergeFailed = "MERGE_FAILED"
	CodeStorage     = "STORAGE_UNAVAILABLE"
	CodeInFlight    = "SUBMIT_IN_FLIGHT"
	CodeOverflow    = "SESSION_OVERFLOW"
	CodeBadMessage  = "BAD_MESSAGE"
)
