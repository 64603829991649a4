package uapi

import (
	"encoding/binary"
	"reflect"
	"unsafe"
)

// Marshal converts a struct to its wire bytes using explicit little-endian
// field order. Types without a dedicated case fall back to a direct memory
// copy, which is only safe for structs with no pointers and no implicit
// padding sensitivity.
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *DMADescriptor:
		return marshalDMADescriptor(val)
	case *ProtoHeader:
		return marshalProtoHeader(val)
	case *DMARequestPayload:
		return marshalDMARequestPayload(val)
	case *SignalSendPayload:
		return marshalSignalSendPayload(val)
	case *AckPayload:
		return marshalAckPayload(val)
	default:
		return directMarshal(v)
	}
}

// Unmarshal converts wire bytes back into a struct.
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *DMADescriptor:
		return unmarshalDMADescriptor(data, val)
	case *ProtoHeader:
		return unmarshalProtoHeader(data, val)
	case *DMARequestPayload:
		return unmarshalDMARequestPayload(data, val)
	case *SignalSendPayload:
		return unmarshalSignalSendPayload(data, val)
	case *AckPayload:
		return unmarshalAckPayload(data, val)
	default:
		return directUnmarshal(data, v)
	}
}

func marshalDMADescriptor(d *DMADescriptor) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], d.SrcAddr)
	binary.LittleEndian.PutUint64(buf[8:16], d.DstAddr)
	binary.LittleEndian.PutUint32(buf[16:20], d.Length)
	buf[20] = uint8(d.SrcTag)
	buf[21] = uint8(d.DstTag)
	buf[22] = d.Status
	buf[23] = d.Flags
	binary.LittleEndian.PutUint64(buf[24:32], d.Reserved)
	return buf
}

func unmarshalDMADescriptor(data []byte, d *DMADescriptor) error {
	if len(data) < 32 {
		return ErrInsufficientData
	}
	d.SrcAddr = binary.LittleEndian.Uint64(data[0:8])
	d.DstAddr = binary.LittleEndian.Uint64(data[8:16])
	d.Length = binary.LittleEndian.Uint32(data[16:20])
	d.SrcTag = AddrSpaceTag(data[20])
	d.DstTag = AddrSpaceTag(data[21])
	d.Status = data[22]
	d.Flags = data[23]
	d.Reserved = binary.LittleEndian.Uint64(data[24:32])
	return nil
}

func marshalProtoHeader(h *ProtoHeader) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], h.Command)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.CallerPID))
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadLen)
	return buf
}

func unmarshalProtoHeader(data []byte, h *ProtoHeader) error {
	if len(data) < 12 {
		return ErrInsufficientData
	}
	h.Command = binary.LittleEndian.Uint32(data[0:4])
	h.CallerPID = int32(binary.LittleEndian.Uint32(data[4:8]))
	h.PayloadLen = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

func marshalDMARequestPayload(p *DMARequestPayload) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], p.SrcAddr)
	binary.LittleEndian.PutUint64(buf[8:16], p.DstAddr)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(p.Length))
	buf[24] = uint8(p.SrcTag)
	buf[25] = uint8(p.DstTag)
	return buf
}

func unmarshalDMARequestPayload(data []byte, p *DMARequestPayload) error {
	if len(data) < 32 {
		return ErrInsufficientData
	}
	p.SrcAddr = binary.LittleEndian.Uint64(data[0:8])
	p.DstAddr = binary.LittleEndian.Uint64(data[8:16])
	p.Length = int64(binary.LittleEndian.Uint64(data[16:24]))
	p.SrcTag = AddrSpaceTag(data[24])
	p.DstTag = AddrSpaceTag(data[25])
	return nil
}

func marshalSignalSendPayload(p *SignalSendPayload) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.Value))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.TargetTID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(p.Signo))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(p.Code))
	return buf
}

func unmarshalSignalSendPayload(data []byte, p *SignalSendPayload) error {
	if len(data) < 24 {
		return ErrInsufficientData
	}
	p.Value = int64(binary.LittleEndian.Uint64(data[0:8]))
	p.TargetTID = int32(binary.LittleEndian.Uint32(data[8:12]))
	p.Signo = int32(binary.LittleEndian.Uint32(data[12:16]))
	p.Code = int32(binary.LittleEndian.Uint32(data[16:20]))
	return nil
}

func marshalAckPayload(a *AckPayload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(a.Result))
	return buf
}

func unmarshalAckPayload(data []byte, a *AckPayload) error {
	if len(data) < 8 {
		return ErrInsufficientData
	}
	a.Result = int64(binary.LittleEndian.Uint64(data[0:8]))
	return nil
}

// MarshalSignalFrame lays out a SignalFrame into its fixed-size byte form
// for a direct write into VE memory. Unlike the protocol messages above,
// the frame has no cross-architecture ambiguity to manage by hand: field
// order already matches the wire layout, so a direct copy is used.
func MarshalSignalFrame(f *SignalFrame) []byte {
	return directMarshal(f)
}

// UnmarshalSignalFrame is the inverse of MarshalSignalFrame, used by
// sigreturn to recover the frame a handler is returning from.
func UnmarshalSignalFrame(data []byte) (*SignalFrame, error) {
	f := &SignalFrame{}
	if err := directUnmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

// directMarshal copies a struct's in-memory representation out as bytes.
// Safe only for the fixed-layout, pointer-free wire structs in this
// package, never for arbitrary Go values.
func directMarshal(v interface{}) []byte {
	ptr := reflect.ValueOf(v).Pointer()
	size := int(reflect.TypeOf(v).Elem().Size())

	buf := make([]byte, size)
	src := (*[1 << 20]byte)(unsafe.Pointer(ptr))
	copy(buf, src[:size])

	return buf
}

// directUnmarshal is the inverse of directMarshal.
func directUnmarshal(data []byte, v interface{}) error {
	size := int(reflect.TypeOf(v).Elem().Size())
	if len(data) < size {
		return ErrInsufficientData
	}

	ptr := reflect.ValueOf(v).Pointer()
	dst := (*[1 << 20]byte)(unsafe.Pointer(ptr))
	copy(dst[:size], data[:size])

	return nil
}

// MarshalError is a sentinel error type for wire-format failures.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)
