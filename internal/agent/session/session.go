package session

import (
	"encoding/json"
	"time"
)

// State holds one backend's continuation data for a session. Messages are
// vendor-native message objects owned by the adapter that wrote them; the
// store never inspects them. ContinuationToken is used by backends that
// resume from an opaque previous-response id instead of replaying history.
type State struct {
	Messages          []json.RawMessage
	ContinuationToken string
	UpdatedAt         time.Time
}

// Store keeps per-(session, backend) conversation state. Continuation data
// is backend-scoped: switching backends within a session must never reuse
// another backend's token or history.
type Store interface {
	Get(sessionID, backendID string) (State, bool)
	Set(sessionID, backendID string, st State)
	Clear(sessionID string)
}
