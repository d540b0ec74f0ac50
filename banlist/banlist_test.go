package banlist

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBanThenBanned(t *testing.T) {
	l := New()
	require.False(t, l.Banned("peer.example:9000"))

	l.Ban("peer.example:9000", errors.New("bad signature"))
	require.True(t, l.Banned("peer.example:9000"))
	require.False(t, l.Banned("other.example:9000"))
}
