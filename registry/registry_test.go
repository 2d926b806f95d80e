package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxcore/voxcore/sip"
)

func TestNewBranchIsRFC3261Compliant(t *testing.T) {
	b := NewBranch()
	assert.True(t, len(b) > len(sip.RFC3261BranchMagicCookie))
	assert.Contains(t, b, sip.RFC3261BranchMagicCookie)
}

func TestNewBranchIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		b := NewBranch()
		require.False(t, seen[b], "branch collision: %s", b)
		seen[b] = true
	}
}

func TestNewTagNonEmptyAndUnique(t *testing.T) {
	a := NewTag()
	b := NewTag()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestNewCallIDHasNoDashes(t *testing.T) {
	id := NewCallID()
	assert.NotContains(t, id, "-")
	assert.Len(t, id, 32)
}

func TestNewSessionIDIsUUIDShaped(t *testing.T) {
	id := NewSessionID()
	assert.Len(t, id, 36)
	assert.Contains(t, id, "-")
}
