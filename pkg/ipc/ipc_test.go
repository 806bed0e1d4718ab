package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSetAndAborted(t *testing.T) {
	s := &State{}
	s.Set("root", 42, "materializing")

	s.mu.Lock()
	subvol, pct, phase := s.subvolume, s.percent, s.phase
	s.mu.Unlock()

	require.Equal(t, "root", subvol)
	require.Equal(t, 42, pct)
	require.Equal(t, "materializing", phase)
	require.False(t, s.Aborted(), "expected fresh State to not be aborted")

	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	require.True(t, s.Aborted(), "expected Aborted to reflect mutated state")
}

func TestPrivilegeDecision(t *testing.T) {
	cases := []struct {
		username, groupname string
		want                bool
	}{
		{"root", "users", true},
		{"app", "privileged", true},
		{"app", "users", false},
		{"", "", false},
	}

	for _, c := range cases {
		got := privilegeDecision(c.username, c.groupname)
		assert.Equalf(t, c.want, got, "privilegeDecision(%q, %q)", c.username, c.groupname)
	}
}
