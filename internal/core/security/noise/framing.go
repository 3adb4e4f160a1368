package noise

import (
	"encoding/binary"
	"errors"
	"io"
)

// maxFrameLen bounds a single length-prefixed frame, matching Noise's own
// 65535-byte message ceiling.
const maxFrameLen = 65535

var errFrameTooLarge = errors.New("noise: frame exceeds maximum length")

// writeFrame writes a 2-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLen {
		return errFrameTooLarge
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
