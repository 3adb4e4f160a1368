// Package pnet implements private-network connection protection: a
// pre-shared key wraps the raw byte connection in an XSalsa20 stream
// cipher before any handshake runs, so peers without the key cannot even
// parse the handshake bytes.
package pnet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/salsa20"

	"github.com/nodalcore/p2pcore/internal/core/iface"
	corelog "github.com/nodalcore/p2pcore/internal/core/log"
)

var log = corelog.Logger("core/security/pnet")

const (
	nonceFixedLen = 16
	blockSize     = 64
)

// ErrNoKey is returned when Protect is used with a zero-value PSK.
var ErrNoKey = errors.New("pnet: empty pre-shared key")

// PSK is a 32-byte pre-shared key shared out of band by every member of
// the private network.
type PSK [32]byte

// GeneratePSK returns a fresh random key.
func GeneratePSK() (PSK, error) {
	var k PSK
	_, err := io.ReadFull(rand.Reader, k[:])
	return k, err
}

// Protector implements iface.ConnectionProtector over a single PSK.
type Protector struct {
	key PSK
}

var _ iface.ConnectionProtector = (*Protector)(nil)

// New builds a Protector for the given key.
func New(key PSK) *Protector {
	return &Protector{key: key}
}

// Protect wraps c so reads/writes are XSalsa20-ciphered against key. Each
// side generates a random 16-byte nonce and exchanges it with the peer
// before any application data flows; the two directions run independent
// keystreams so a slow reader never desyncs the writer.
func (p *Protector) Protect(c iface.RawConn) (iface.RawConn, error) {
	if p.key == (PSK{}) {
		return nil, ErrNoKey
	}

	var localNonce [nonceFixedLen]byte
	if _, err := io.ReadFull(rand.Reader, localNonce[:]); err != nil {
		return nil, err
	}
	// Write the local nonce concurrently with reading the remote one, so
	// two peers protecting at once over an unbuffered connection do not
	// both block in Write waiting for the other to read.
	writeErr := make(chan error, 1)
	go func() {
		_, err := c.Write(localNonce[:])
		writeErr <- err
	}()
	var remoteNonce [nonceFixedLen]byte
	if _, err := io.ReadFull(c, remoteNonce[:]); err != nil {
		return nil, err
	}
	if err := <-writeErr; err != nil {
		return nil, err
	}

	pc := &protectedConn{RawConn: c, key: p.key}
	copy(pc.writer.fixedNonce[:], localNonce[:])
	copy(pc.reader.fixedNonce[:], remoteNonce[:])
	log.Debugw("private network protection established")
	return pc, nil
}

// streamState tracks one direction's running XSalsa20 block counter, so
// ciphering can resume across many small Read/Write calls: it always
// operates on 64-byte-aligned chunks and buffers any leftover keystream
// bytes from a partial final block.
type streamState struct {
	mu         sync.Mutex
	fixedNonce [nonceFixedLen]byte
	counter    uint64
	leftover   []byte
}

func (s *streamState) xor(dst, src []byte, key PSK) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(src) && len(s.leftover) > 0 {
		dst[n] = src[n] ^ s.leftover[0]
		s.leftover = s.leftover[1:]
		n++
	}
	if n == len(src) {
		return
	}

	remaining := src[n:]
	full := (len(remaining) / blockSize) * blockSize
	if full > 0 {
		s.cipherAlignedBlocks(dst[n:n+full], remaining[:full], key)
		n += full
		remaining = remaining[full:]
	}
	if len(remaining) == 0 {
		return
	}

	var zeros [blockSize]byte
	var ks [blockSize]byte
	s.cipherAlignedBlocks(ks[:], zeros[:], key)
	for i, b := range remaining {
		dst[n+i] = b ^ ks[i]
	}
	s.leftover = append([]byte(nil), ks[len(remaining):]...)
}

// cipherAlignedBlocks encrypts a length that is an exact multiple of
// blockSize, advancing the counter by one per block.
func (s *streamState) cipherAlignedBlocks(dst, src []byte, key PSK) {
	blocks := len(src) / blockSize
	var nonce [24]byte
	copy(nonce[:nonceFixedLen], s.fixedNonce[:])
	k := key
	for i := 0; i < blocks; i++ {
		binary.LittleEndian.PutUint64(nonce[nonceFixedLen:], s.counter)
		salsa20.XORKeyStream(dst[i*blockSize:(i+1)*blockSize], src[i*blockSize:(i+1)*blockSize], nonce[:], (*[32]byte)(&k))
		s.counter++
	}
}

type protectedConn struct {
	iface.RawConn
	key    PSK
	writer streamState
	reader streamState
}

func (c *protectedConn) Read(p []byte) (int, error) {
	n, err := c.RawConn.Read(p)
	if n > 0 {
		c.reader.xor(p[:n], p[:n], c.key)
	}
	return n, err
}

func (c *protectedConn) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	c.writer.xor(buf, p, c.key)
	return c.RawConn.Write(buf)
}
