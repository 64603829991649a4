// Package proto implements the pseudo-process protocol: the length-framed
// request/response channel a VE pseudo-process uses to ask the node
// daemon to post a DMA transfer, send a signal, or inspect/mutate a
// target task's signal state. Every message is a fixed uapi.ProtoHeader
// followed by PayloadLen bytes of command-specific body.
package proto

import (
	"fmt"
	"io"

	"github.com/veos-project/veos-core/internal/uapi"
)

// maxPayloadLen bounds a single message body, guarding the dispatcher
// against a corrupt or hostile PayloadLen driving an unbounded read.
const maxPayloadLen = 1 << 20

// readMessage reads one framed request off r: a 12-byte header followed by
// its payload.
func readMessage(r io.Reader) (uapi.ProtoHeader, []byte, error) {
	hdrBuf := make([]byte, 12)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return uapi.ProtoHeader{}, nil, err
	}

	var hdr uapi.ProtoHeader
	if err := uapi.Unmarshal(hdrBuf, &hdr); err != nil {
		return uapi.ProtoHeader{}, nil, err
	}
	if hdr.PayloadLen > maxPayloadLen {
		return uapi.ProtoHeader{}, nil, fmt.Errorf("proto: payload length %d exceeds limit", hdr.PayloadLen)
	}

	payload := make([]byte, hdr.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return uapi.ProtoHeader{}, nil, err
	}
	return hdr, payload, nil
}

// writeMessage frames command and payload and writes them to w as one
// header-plus-body message.
func writeMessage(w io.Writer, command uint32, callerPID int32, payload []byte) error {
	hdr := uapi.ProtoHeader{
		Command:    command,
		CallerPID:  callerPID,
		PayloadLen: uint32(len(payload)),
	}
	if _, err := w.Write(uapi.Marshal(&hdr)); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// writeAck frames and writes a bare AckPayload response.
func writeAck(w io.Writer, command uint32, result int64) error {
	ack := uapi.AckPayload{Result: result}
	return writeMessage(w, command, 0, uapi.Marshal(&ack))
}
