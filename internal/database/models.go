package database

import (
	"slices"
	"strings"
	"time"

	"github.com/npezzotti/go-swapchat/internal/types"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

type CreateConversationParams struct {
	// Id is used only when a new conversation has to be created.
	Id           string
	Participants []string
	Subject      types.Subject
	CreatedAt    time.Time
}

// Cursor is a position in a conversation's history. Messages are ordered
// by timestamp, then id.
type Cursor struct {
	Timestamp time.Time
	Id        string
}

// IsZero reports whether the cursor points past the newest message.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero()
}

// NormalizeParticipants returns the sorted, de-duplicated participant set.
func NormalizeParticipants(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// participantKey identifies a participant set independent of order.
func participantKey(ids []string) string {
	return strings.Join(NormalizeParticipants(ids), "|")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}
