package pnet

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalcore/p2pcore/internal/core/addr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
)

// pipeConn is a minimal iface.RawConn over an in-process pipe, used only
// to exercise Protector end to end.
type pipeConn struct {
	r  *io.PipeReader
	w  *io.PipeWriter
	tl iface.Timeline
}

func newPipePair() (*pipeConn, *pipeConn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeConn{r: r1, w: w2}, &pipeConn{r: r2, w: w1}
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *pipeConn) RemoteAddr() addr.Address    { return addr.Address{} }
func (c *pipeConn) Timeline() *iface.Timeline   { return &c.tl }
func (c *pipeConn) Close() error                { c.r.Close(); return c.w.Close() }
func (c *pipeConn) Abort(err error) error       { return c.Close() }

func TestProtectRoundTripsPlaintext(t *testing.T) {
	key, err := GeneratePSK()
	require.NoError(t, err)

	a, b := newPipePair()
	pa, pb := New(key), New(key)

	var wg sync.WaitGroup
	wg.Add(2)
	var protectedA, protectedB iface.RawConn
	var errA, errB error
	go func() { defer wg.Done(); protectedA, errA = pa.Protect(a) }()
	go func() { defer wg.Done(); protectedB, errB = pb.Protect(b) }()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	msg := []byte("hello over a protected connection, long enough to span more than one 64-byte block boundary for good measure")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = protectedA.Write(msg)
	}()

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(protectedB, buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(msg, buf))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write did not complete")
	}
}

func TestProtectRequiresKey(t *testing.T) {
	a, _ := newPipePair()
	p := New(PSK{})
	_, err := p.Protect(a)
	assert.ErrorIs(t, err, ErrNoKey)
}
