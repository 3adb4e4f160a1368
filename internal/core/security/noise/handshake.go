package noise

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"

	"github.com/nodalcore/p2pcore/internal/core/coreerr"
	"github.com/nodalcore/p2pcore/internal/core/iface"
	"github.com/nodalcore/p2pcore/internal/core/peer"
)

func (t *Transport) handshake(ctx context.Context, c iface.RawConn, initiator bool, expected peer.ID) (iface.SecureConn, error) {
	staticKeypair, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, coreerr.New(coreerr.EncryptionFailed, err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKeypair,
	})
	if err != nil {
		return nil, coreerr.New(coreerr.EncryptionFailed, err)
	}

	var sendCS, recvCS *noise.CipherState
	var remoteID peer.ID

	if initiator {
		remoteID, sendCS, recvCS, err = t.runInitiator(hs, c, staticKeypair.Public)
	} else {
		remoteID, sendCS, recvCS, err = t.runResponder(hs, c, staticKeypair.Public)
	}
	if err != nil {
		c.Abort(err)
		return nil, coreerr.New(coreerr.EncryptionFailed, err)
	}

	if expected.Valid() && !expected.Equal(remoteID) {
		mismatch := fmt.Errorf("noise: remote identity %s does not match expected %s", remoteID, expected)
		c.Abort(mismatch)
		return nil, coreerr.New(coreerr.EncryptionFailed, mismatch)
	}

	log.Debugw("noise handshake complete", "remote", remoteID.String(), "initiator", initiator)
	return &secureConn{RawConn: c, remote: remoteID, send: sendCS, recv: recvCS}, nil
}

func (t *Transport) runInitiator(hs *noise.HandshakeState, c iface.RawConn, localStaticPub []byte) (peer.ID, *noise.CipherState, *noise.CipherState, error) {
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	if err := writeFrame(c, msg1); err != nil {
		return peer.Empty, nil, nil, err
	}

	wire2, err := readFrame(c)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	payload2, _, _, err := hs.ReadMessage(nil, wire2)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	remoteStatic := hs.PeerStatic()
	ip2, err := decodeIdentityPayload(payload2)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	remoteID, err := ip2.verify(remoteStatic)
	if err != nil {
		return peer.Empty, nil, nil, err
	}

	myPayload := encodeIdentityPayload(t.identity, localStaticPub)
	msg3, cs1, cs2, err := hs.WriteMessage(nil, myPayload)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	if err := writeFrame(c, msg3); err != nil {
		return peer.Empty, nil, nil, err
	}

	// initiator encrypts with cs1, decrypts with cs2.
	return remoteID, cs1, cs2, nil
}

func (t *Transport) runResponder(hs *noise.HandshakeState, c iface.RawConn, localStaticPub []byte) (peer.ID, *noise.CipherState, *noise.CipherState, error) {
	wire1, err := readFrame(c)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, wire1); err != nil {
		return peer.Empty, nil, nil, err
	}

	myPayload := encodeIdentityPayload(t.identity, localStaticPub)
	msg2, _, _, err := hs.WriteMessage(nil, myPayload)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	if err := writeFrame(c, msg2); err != nil {
		return peer.Empty, nil, nil, err
	}

	wire3, err := readFrame(c)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	payload3, cs1, cs2, err := hs.ReadMessage(nil, wire3)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	remoteStatic := hs.PeerStatic()
	ip3, err := decodeIdentityPayload(payload3)
	if err != nil {
		return peer.Empty, nil, nil, err
	}
	remoteID, err := ip3.verify(remoteStatic)
	if err != nil {
		return peer.Empty, nil, nil, err
	}

	// responder encrypts with cs2, decrypts with cs1.
	return remoteID, cs2, cs1, nil
}
