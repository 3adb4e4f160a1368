// Package negotiate implements capability negotiation for the upgrade
// pipeline by wrapping the multistream-select line protocol.
package negotiate

import (
	"context"
	"io"

	mss "github.com/multiformats/go-multistream"

	"github.com/nodalcore/p2pcore/internal/core/iface"
)

// Multistream is an iface.Negotiator backed by multistream-select: Handle
// is the responder side, Select is the initiator side.
type Multistream struct{}

var _ iface.Negotiator = Multistream{}

// nopCloser adapts an io.ReadWriter that has no natural Close into an
// io.ReadWriteCloser, since multistream-select requires one but capability
// negotiation itself never closes the underlying stream.
type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error { return nil }

func toRWC(rw io.ReadWriter) io.ReadWriteCloser {
	if rwc, ok := rw.(io.ReadWriteCloser); ok {
		return rwc
	}
	return nopCloser{rw}
}

// Handle runs the responder side of negotiation: it offers protocols and
// waits for the peer to select one.
func (Multistream) Handle(ctx context.Context, rw io.ReadWriter, protocols []string) (io.ReadWriter, string, error) {
	rwc := toRWC(rw)
	mux := mss.NewMultistreamMuxer[string]()
	for _, p := range protocols {
		mux.AddHandler(p, nil)
	}
	proto, _, err := mux.Negotiate(rwc)
	if err != nil {
		return nil, "", err
	}
	return rw, proto, nil
}

// Select runs the initiator side of negotiation: it proposes protocols in
// order and returns the first one the peer accepts.
func (Multistream) Select(ctx context.Context, rw io.ReadWriter, protocols []string) (io.ReadWriter, string, error) {
	rwc := toRWC(rw)
	proto, err := mss.SelectOneOf(protocols, rwc)
	if err != nil {
		return nil, "", err
	}
	return rw, proto, nil
}
