package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalcore/p2pcore/internal/core/peer"
)

func TestParseAndStringRoundTrip(t *testing.T) {
	kp, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	s := "/dns4/example.org/tcp/4001/p2p/" + kp.ID.String()
	a, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, s, a.String())
	assert.Equal(t, "dns4", a.Scheme())

	id, ok := a.PeerID()
	require.True(t, ok)
	assert.Equal(t, kp.ID, id)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("not-an-address")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse("/tcp")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEqualByStringForm(t *testing.T) {
	a := New("tcp4", "127.0.0.1:4001")
	b := New("tcp4", "127.0.0.1:4001")
	c := New("tcp4", "127.0.0.1:4002")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestWithPeerIDSkipsAlreadyEmbeddedOrPathStyle(t *testing.T) {
	kp1, _ := peer.GenerateKeyPair()
	kp2, _ := peer.GenerateKeyPair()

	plain := New("tcp4", "127.0.0.1:4001")
	withID := plain.WithPeerID(kp1.ID)
	id, ok := withID.PeerID()
	require.True(t, ok)
	assert.Equal(t, kp1.ID, id)

	// already has an id: appending a different one is a no-op.
	unchanged := withID.WithPeerID(kp2.ID)
	stillID, _ := unchanged.PeerID()
	assert.Equal(t, kp1.ID, stillID)

	pathStyle, err := Parse("/p2p/" + kp1.ID.String())
	require.NoError(t, err)
	assert.True(t, pathStyle.IsPathStyle())
	assert.True(t, pathStyle.Equal(pathStyle.WithPeerID(kp2.ID)))
}

func TestDedupOrCombinesCertification(t *testing.T) {
	a := New("tcp4", "127.0.0.1:4001")
	certified := a.Certified(true)
	uncertified := a.Certified(false)

	deduped := Dedup([]Address{uncertified, certified})
	require.Len(t, deduped, 1)
	assert.True(t, deduped[0].IsCertified())
}

func TestBytesNonEmpty(t *testing.T) {
	a := New("tcp4", "127.0.0.1:4001")
	assert.NotEmpty(t, a.Bytes())
}
