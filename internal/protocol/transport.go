// Package protocol implements the framed transport (§4.1) and the
// control-protocol request/response grammar (§4.2) shared by the daemon
// and the client: length-prefixed frames with a mandatory two-byte "OK"
// acknowledgment, and the "[VERB]ARG1,ARG2,..." text request format.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

var ackBytes = [2]byte{'O', 'K'}

// ErrAckMismatch is returned when the peer's post-payload acknowledgment
// is not exactly "OK"; per spec this is fatal for the connection.
var ErrAckMismatch = fmt.Errorf("protocol: ACK mismatch")

// SendFrame writes LEN(4 bytes BE) || payload, then blocks for the peer's
// two-byte "OK" acknowledgment. The ACK is what serializes sends on a
// single connection: the caller cannot issue a second SendFrame until
// this one returns.
func SendFrame(w io.ReadWriter, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("protocol: write payload: %w", err)
		}
	}

	var ack [2]byte
	if _, err := io.ReadFull(w, ack[:]); err != nil {
		return fmt.Errorf("protocol: read ack: %w", err)
	}
	if ack != ackBytes {
		return ErrAckMismatch
	}
	return nil
}

// RecvFrame reads LEN(4 bytes BE) || payload and writes the "OK"
// acknowledgment only after the full payload has been consumed.
func RecvFrame(rw io.ReadWriter) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rw, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(rw, payload); err != nil {
			return nil, fmt.Errorf("protocol: read payload: %w", err)
		}
	}

	if _, err := rw.Write(ackBytes[:]); err != nil {
		return nil, fmt.Errorf("protocol: write ack: %w", err)
	}
	return payload, nil
}
