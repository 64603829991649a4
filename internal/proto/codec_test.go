package proto

import (
	"bytes"
	"io"
	"testing"

	"github.com/veos-project/veos-core/internal/uapi"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := uapi.AckPayload{Result: -5}

	if err := writeMessage(&buf, uapi.CmdDMARequest, 42, uapi.Marshal(&payload)); err != nil {
		t.Fatal(err)
	}

	hdr, got, err := readMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Command != uapi.CmdDMARequest || hdr.CallerPID != 42 {
		t.Fatalf("header = %+v, want Command=%d CallerPID=42", hdr, uapi.CmdDMARequest)
	}

	var ack uapi.AckPayload
	if err := uapi.Unmarshal(got, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Result != -5 {
		t.Fatalf("Result = %d, want -5", ack.Result)
	}
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	hdr := uapi.ProtoHeader{Command: uapi.CmdSignalSend, PayloadLen: maxPayloadLen + 1}
	buf.Write(uapi.Marshal(&hdr))

	if _, _, err := readMessage(&buf); err == nil {
		t.Fatal("expected an error for an oversized payload length")
	}
}

func TestReadMessagePropagatesEOF(t *testing.T) {
	var buf bytes.Buffer
	if _, _, err := readMessage(&buf); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestWriteAckFramesAckPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAck(&buf, uapi.CmdSignalSend, -13); err != nil {
		t.Fatal(err)
	}

	hdr, payload, err := readMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Command != uapi.CmdSignalSend {
		t.Fatalf("Command = %d, want %d", hdr.Command, uapi.CmdSignalSend)
	}
	var ack uapi.AckPayload
	if err := uapi.Unmarshal(payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Result != -13 {
		t.Fatalf("Result = %d, want -13", ack.Result)
	}
}
