package proto

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veos-project/veos-core/internal/registry"
	"github.com/veos-project/veos-core/internal/uapi"
	"github.com/veos-project/veos-core/internal/vesignal"
)

func newTestRegistry() (*registry.Registry, *vesignal.Task) {
	task := vesignal.NewTask(100, 100, vesignal.NewSigHand())
	return registry.New(task), task
}

func TestDispatchUnknownCommandReturnsNegativeResult(t *testing.T) {
	reg, _ := newTestRegistry()
	d := New(reg, nil, nil, nil)

	_, payload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: 999}, nil)

	var ack uapi.AckPayload
	if err := uapi.Unmarshal(payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Result >= 0 {
		t.Fatalf("Result = %d, want negative", ack.Result)
	}
}

func TestDispatchSignalSendDeliversToTarget(t *testing.T) {
	reg, task := newTestRegistry()
	d := New(reg, nil, nil, nil)

	req := uapi.SignalSendPayload{TargetTID: task.PID, Signo: 15}
	_, payload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdSignalSend}, uapi.Marshal(&req))

	var ack uapi.AckPayload
	if err := uapi.Unmarshal(payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Result != 0 {
		t.Fatalf("Result = %d, want 0", ack.Result)
	}
	if !task.Pending().Has(15) {
		t.Fatal("signal 15 should now be pending on the target task")
	}
}

func TestDispatchSignalSendUnknownTargetReturnsError(t *testing.T) {
	reg, _ := newTestRegistry()
	d := New(reg, nil, nil, nil)

	req := uapi.SignalSendPayload{TargetTID: 9999, Signo: 15}
	_, payload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdSignalSend}, uapi.Marshal(&req))

	var ack uapi.AckPayload
	uapi.Unmarshal(payload, &ack)
	if ack.Result >= 0 {
		t.Fatalf("Result = %d, want negative for unknown target", ack.Result)
	}
}

func TestDispatchDMARequestWithNoEngineReturnsError(t *testing.T) {
	reg, task := newTestRegistry()
	d := New(reg, nil, nil, nil)

	req := uapi.DMARequestPayload{SrcAddr: 0x1000, DstAddr: 0x2000, Length: 64, SrcTag: uapi.TagVHSAA, DstTag: uapi.TagVHSAA}
	_, payload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdDMARequest, CallerPID: task.PID}, uapi.Marshal(&req))

	var ack uapi.AckPayload
	uapi.Unmarshal(payload, &ack)
	if ack.Result >= 0 {
		t.Fatal("expected a negative result when no dma engine is attached")
	}
}

func TestDispatchSigActionInstallsHandler(t *testing.T) {
	reg, task := newTestRegistry()
	d := New(reg, nil, nil, nil)

	req := uapi.SigActionPayload{Signo: 10, Handler: 0xdeadbeef, Flags: 1, Mask: 2}
	_, payload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdSigAction, CallerPID: task.PID}, uapi.Marshal(&req))

	var ack uapi.AckPayload
	uapi.Unmarshal(payload, &ack)
	if ack.Result != 0 {
		t.Fatalf("Result = %d, want 0", ack.Result)
	}

	disp := task.SigHand.Disposition(10)
	if disp.Handler != 0xdeadbeef || disp.Flags != 1 || disp.Mask != 2 {
		t.Fatalf("disposition = %+v, want handler installed", disp)
	}
}

func TestDispatchSigProcMaskSetAndReadBack(t *testing.T) {
	reg, task := newTestRegistry()
	d := New(reg, nil, nil, nil)

	req := uapi.SigProcMaskPayload{How: 2, Mask: 0x4}
	_, payload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdSigProcMask, CallerPID: task.PID}, uapi.Marshal(&req))

	var res uapi.SigMaskResult
	if err := uapi.Unmarshal(payload, &res); err != nil {
		t.Fatal(err)
	}
	if res.Result != 0 {
		t.Fatalf("Result = %d, want 0", res.Result)
	}
	if task.Blocked != 0x4 {
		t.Fatalf("task.Blocked = %x, want 0x4", task.Blocked)
	}
}

func TestDispatchSigProcMaskNeverBlocksKillStopCont(t *testing.T) {
	reg, task := newTestRegistry()
	d := New(reg, nil, nil, nil)

	wantStray := uint64(1) << 3 // some other, genuinely blockable bit
	req := uapi.SigProcMaskPayload{How: 2, Mask: neverBlockedMask | wantStray}
	_, payload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdSigProcMask, CallerPID: task.PID}, uapi.Marshal(&req))

	var res uapi.SigMaskResult
	if err := uapi.Unmarshal(payload, &res); err != nil {
		t.Fatal(err)
	}
	if res.Result != 0 {
		t.Fatalf("Result = %d, want 0", res.Result)
	}
	if task.Blocked != wantStray {
		t.Fatalf("task.Blocked = %#x, want %#x: SIGKILL/SIGSTOP/SIGCONT must never be blocked", task.Blocked, wantStray)
	}
}

func TestDispatchSigPendingReportsMask(t *testing.T) {
	reg, task := newTestRegistry()
	vesignal.Send(nil, task, 12, vesignal.SigInfo{}, false, nil)
	d := New(reg, nil, nil, nil)

	_, payload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdSigPending, CallerPID: task.PID}, nil)

	var res uapi.SigMaskResult
	if err := uapi.Unmarshal(payload, &res); err != nil {
		t.Fatal(err)
	}
	want := uint64(1) << 11
	if res.OldMask != want {
		t.Fatalf("OldMask = %x, want %x", res.OldMask, want)
	}
}

func TestDispatchSigAltStackInstallsAndReturnsOld(t *testing.T) {
	reg, task := newTestRegistry()
	d := New(reg, nil, nil, nil)

	req := uapi.SigAltStackPayload{Stack: uapi.SigAltStackWire{Addr: 0x9000, Size: 4096}}
	_, payload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdSigAltStack, CallerPID: task.PID}, uapi.Marshal(&req))

	var res uapi.SigAltStackResult
	if err := uapi.Unmarshal(payload, &res); err != nil {
		t.Fatal(err)
	}
	if res.Result != 0 {
		t.Fatalf("Result = %d, want 0", res.Result)
	}
	if task.AltStack.Addr != 0x9000 || task.AltStack.Size != 4096 {
		t.Fatalf("altstack = %+v, want installed", task.AltStack)
	}
}

func TestDispatchGetSetContextRoundTrips(t *testing.T) {
	reg, task := newTestRegistry()
	d := New(reg, nil, nil, nil)

	var setReq uapi.ContextResult
	setReq.MContext.PSW = 0xabc
	setReq.MContext.IC = 0x1000
	setReq.MContext.GPR[3] = 77

	_, ackPayload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdSetContext, CallerPID: task.PID}, uapi.Marshal(&setReq))
	var ack uapi.AckPayload
	uapi.Unmarshal(ackPayload, &ack)
	if ack.Result != 0 {
		t.Fatalf("SetContext Result = %d, want 0", ack.Result)
	}

	_, getPayload := d.dispatch(context.Background(), uapi.ProtoHeader{Command: uapi.CmdGetContext, CallerPID: task.PID}, nil)
	var got uapi.ContextResult
	if err := uapi.Unmarshal(getPayload, &got); err != nil {
		t.Fatal(err)
	}
	if got.MContext.PSW != 0xabc || got.MContext.IC != 0x1000 || got.MContext.GPR[3] != 77 {
		t.Fatalf("context = %+v, want round-tripped values", got.MContext)
	}
}

func TestServeHandlesOneRequestOverUnixSocket(t *testing.T) {
	reg, task := newTestRegistry()
	d := New(reg, nil, nil, nil)

	sockPath := filepath.Join(t.TempDir(), "veos-test.sock")
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(sockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Serve(ctx, l)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := uapi.SignalSendPayload{TargetTID: task.PID, Signo: 9}
	if err := writeMessage(conn, uapi.CmdSignalSend, task.PID, uapi.Marshal(&req)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := readMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	var ack uapi.AckPayload
	if err := uapi.Unmarshal(payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Result != 0 {
		t.Fatalf("Result = %d, want 0", ack.Result)
	}
	if !task.Pending().Has(9) {
		t.Fatal("signal 9 should be pending after the round trip")
	}
}
