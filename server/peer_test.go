package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerLinkCloseMarksStopping(t *testing.T) {
	d := newTestDaemon(t)
	p := &PeerLink{d: d, addr: "127.0.0.1:0"}
	require.False(t, p.stopping)
	p.Close()
	require.True(t, p.stopping)
}
