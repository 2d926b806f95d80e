// Package registry allocates the identifiers the rest of the stack uses to
// correlate transactions, dialogs and sessions: Via branches, tags, Call-IDs
// and session IDs.
package registry

import (
	"strings"

	"github.com/google/uuid"

	"github.com/voxcore/voxcore/sip"
)

// NewBranch returns a fresh RFC 3261 magic-cookie branch suitable for a
// top Via header on a new client transaction.
func NewBranch() string {
	return sip.GenerateBranch()
}

// NewTag returns a fresh From/To tag. Uses the same random-string generator
// sip.GenerateTagN builds on, kept short rather
// than a full UUID.
func NewTag() string {
	return sip.GenerateTagN(10)
}

// NewCallID returns a fresh Call-ID value. UUIDs give a collision-free ID
// without needing a host part the way sip-over-UDP User-Agents traditionally
// build Call-IDs (random@host).
func NewCallID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewSessionID returns a fresh SessionCoordinator identifier, independent of
// any SIP header value so a Session outlives dialog replacement (re-INVITE
// with Replaces, attended transfer) without changing identity.
func NewSessionID() string {
	return uuid.New().String()
}
