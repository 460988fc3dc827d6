package realtime

import (
	"github.com/google/uuid"
)

// EntityID identifies a board, column or card in the local store. It is either
// Confirmed (issued by the server) or Pending (a local token for a record whose
// create request has not settled yet). The zero value identifies nothing.
type EntityID struct {
	server string
	token  string
}

// Confirmed wraps a server-issued id.
func Confirmed(serverID string) EntityID {
	return EntityID{server: serverID}
}

// Pending wraps a local correlation token.
func Pending(token string) EntityID {
	return EntityID{token: token}
}

// NewPending returns a Pending id with a fresh random token.
func NewPending() EntityID {
	return Pending(uuid.NewString())
}

// IsZero reports whether id is the zero EntityID.
func (id EntityID) IsZero() bool {
	return id.server == "" && id.token == ""
}

// IsPending reports whether id is a local token awaiting confirmation.
func (id EntityID) IsPending() bool {
	return id.token != ""
}

// ServerID returns the server id and true for a Confirmed id.
func (id EntityID) ServerID() (string, bool) {
	return id.server, id.server != ""
}

// Token returns the correlation token of a Pending id.
func (id EntityID) Token() (string, bool) {
	return id.token, id.token != ""
}

func (id EntityID) String() string {
	if id.token != "" {
		return "pending:" + id.token
	}
	return id.server
}

// Less orders ids for position tie-breaks. Confirmed ids sort before pending ones.
func (id EntityID) Less(other EntityID) bool {
	if id.IsPending() != other.IsPending() {
		return !id.IsPending()
	}
	return id.String() < other.String()
}
