package proto

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/veos-project/veos-core"
	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/dma"
	"github.com/veos-project/veos-core/internal/interfaces"
	"github.com/veos-project/veos-core/internal/registry"
	"github.com/veos-project/veos-core/internal/uapi"
	"github.com/veos-project/veos-core/internal/vesignal"
)

// neverBlockedMask is SIGKILL|SIGSTOP|SIGCONT: sigprocmask silently drops
// these bits from any mask it would otherwise install, since they can
// never appear in a task's blocked set.
const neverBlockedMask = uint64(1)<<uint(constants.SIGKILL-1) |
	uint64(1)<<uint(constants.SIGSTOP-1) |
	uint64(1)<<uint(constants.SIGCONT-1)

// Dispatcher serves the pseudo-process protocol: it accepts connections on
// a UNIX stream socket, reads framed requests, and routes each Command to
// the subsystem that owns it. Every response carries a negated-errno
// result field so the pseudo-process library can surface it the same way
// a raw syscall would.
type Dispatcher struct {
	reg        *registry.Registry
	engine     *dma.Engine
	logger     interfaces.Logger
	obs        interfaces.Observer
	translator dma.Translator
}

// New builds a Dispatcher. engine may be nil in configurations with no DMA
// ring attached (CmdDMARequest then fails with ErrCodeNotFound). Virtual
// addresses are resolved through dma.IdentityTranslator; call
// SetTranslator to wire in a real page-table walker.
func New(reg *registry.Registry, engine *dma.Engine, logger interfaces.Logger, obs interfaces.Observer) *Dispatcher {
	return &Dispatcher{reg: reg, engine: engine, logger: logger, obs: obs, translator: dma.IdentityTranslator{}}
}

// SetTranslator overrides the Translator used to resolve CmdDMARequest's
// virtual endpoints before posting to the ring.
func (d *Dispatcher) SetTranslator(t dma.Translator) {
	d.translator = t
}

// Serve accepts connections on l until ctx is canceled or Accept fails.
// Each connection is handled on its own goroutine; the pseudo-process
// protocol is request/response per connection, not multiplexed.
func (d *Dispatcher) Serve(ctx context.Context, l *net.UnixListener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	for {
		hdr, payload, err := readMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && d.logger != nil {
				d.logger.Printf("proto: reading request: %v", err)
			}
			return
		}

		respCommand, respPayload := d.dispatch(ctx, hdr, payload)
		if err := writeMessage(conn, respCommand, hdr.CallerPID, respPayload); err != nil {
			if d.logger != nil {
				d.logger.Printf("proto: writing response to pid %d: %v", hdr.CallerPID, err)
			}
			return
		}
	}
}

// dispatch routes one request to its handler and returns the framed
// response command/payload. A handler error never aborts the connection;
// it is folded into the response's negated-errno result field.
func (d *Dispatcher) dispatch(ctx context.Context, hdr uapi.ProtoHeader, payload []byte) (uint32, []byte) {
	switch hdr.Command {
	case uapi.CmdDMARequest:
		return hdr.Command, d.handleDMARequest(ctx, hdr, payload)
	case uapi.CmdSignalSend:
		return hdr.Command, d.handleSignalSend(hdr, payload)
	case uapi.CmdSigAction:
		return hdr.Command, d.handleSigAction(hdr, payload)
	case uapi.CmdSigProcMask:
		return hdr.Command, d.handleSigProcMask(hdr, payload)
	case uapi.CmdSigPending:
		return hdr.Command, d.handleSigPending(hdr)
	case uapi.CmdSigSuspend:
		return hdr.Command, d.handleSigSuspend(hdr, payload)
	case uapi.CmdSigAltStack:
		return hdr.Command, d.handleSigAltStack(hdr, payload)
	case uapi.CmdGetContext:
		return hdr.Command, d.handleGetContext(hdr)
	case uapi.CmdSetContext:
		return hdr.Command, d.handleSetContext(hdr, payload)
	default:
		ack := uapi.AckPayload{Result: veos.NewError("PROTO_DISPATCH", veos.ErrCodeInvalidArgument, "unknown command").Negate()}
		return hdr.Command, uapi.Marshal(&ack)
	}
}

// negate folds err into the protocol's negated-errno convention, wrapping
// it as a *veos.Error first if it isn't one already.
func negate(op string, err error) int64 {
	if err == nil {
		return 0
	}
	var verr *veos.Error
	if errors.As(err, &verr) {
		return verr.Negate()
	}
	return veos.WrapError(op, err).Negate()
}

func (d *Dispatcher) lookupTask(pid int32) (*vesignal.Task, error) {
	return d.reg.MustLookup(pid)
}

func (d *Dispatcher) handleDMARequest(ctx context.Context, hdr uapi.ProtoHeader, payload []byte) []byte {
	var req uapi.DMARequestPayload
	if err := uapi.Unmarshal(payload, &req); err != nil {
		return ackBytes(negate("DMA_REQUEST", err))
	}

	if d.engine == nil {
		return ackBytes(negate("DMA_REQUEST", veos.NewError("DMA_REQUEST", veos.ErrCodeNotFound, "no dma engine attached to this node")))
	}

	src := dma.Endpoint{Tag: req.SrcTag, Addr: req.SrcAddr, PID: hdr.CallerPID}
	dst := dma.Endpoint{Tag: req.DstTag, Addr: req.DstAddr, PID: hdr.CallerPID}

	entries, err := dma.BuildReqList(src, dst, req.Length)
	if err != nil {
		return ackBytes(negate("DMA_REQUEST", err))
	}
	entries = dma.ResolvePhysical(entries, d.translator)

	r, err := d.engine.Post(ctx, entries)
	if err != nil {
		return ackBytes(negate("DMA_REQUEST", err))
	}
	err = d.engine.Wait(ctx, r)
	return ackBytes(negate("DMA_REQUEST", err))
}

func (d *Dispatcher) handleSignalSend(hdr uapi.ProtoHeader, payload []byte) []byte {
	var req uapi.SignalSendPayload
	if err := uapi.Unmarshal(payload, &req); err != nil {
		return ackBytes(negate("SIGNAL_SEND", err))
	}

	target, err := d.lookupTask(req.TargetTID)
	if err != nil {
		return ackBytes(negate("SIGNAL_SEND", veos.NewTaskError("SIGNAL_SEND", req.TargetTID, veos.ErrCodeNotFound, err.Error())))
	}

	info := vesignal.SigInfo{Code: req.Code, Value: req.Value}
	group := d.reg.Group(target.TGID)
	err = vesignal.Send(group, target, int(req.Signo), info, false, d.obs)
	return ackBytes(negate("SIGNAL_SEND", err))
}

func (d *Dispatcher) handleSigAction(hdr uapi.ProtoHeader, payload []byte) []byte {
	var req uapi.SigActionPayload
	if err := uapi.Unmarshal(payload, &req); err != nil {
		return ackBytes(negate("SIGACTION", err))
	}

	task, err := d.lookupTask(hdr.CallerPID)
	if err != nil {
		return ackBytes(negate("SIGACTION", veos.NewTaskError("SIGACTION", hdr.CallerPID, veos.ErrCodeNotFound, err.Error())))
	}

	task.SigHand.SetDisposition(int(req.Signo), vesignal.HandlerDisposition{
		Handler:  req.Handler,
		Flags:    req.Flags,
		Mask:     req.Mask,
		Restorer: req.Restorer,
		Ignore:   req.Ignore != 0,
	})
	return ackBytes(0)
}

func (d *Dispatcher) handleSigProcMask(hdr uapi.ProtoHeader, payload []byte) []byte {
	var req uapi.SigProcMaskPayload
	if err := uapi.Unmarshal(payload, &req); err != nil {
		return sigMaskBytes(0, negate("SIGPROCMASK", err))
	}

	task, err := d.lookupTask(hdr.CallerPID)
	if err != nil {
		return sigMaskBytes(0, negate("SIGPROCMASK", veos.NewTaskError("SIGPROCMASK", hdr.CallerPID, veos.ErrCodeNotFound, err.Error())))
	}

	// SIGKILL, SIGSTOP, and SIGCONT can never be blocked, matching the
	// invariant that they never appear in a task's blocked or saved mask.
	mask := req.Mask &^ neverBlockedMask

	task.Lock()
	old := task.Blocked
	switch req.How {
	case 0: // SIG_BLOCK
		task.Blocked |= mask
	case 1: // SIG_UNBLOCK
		task.Blocked &^= req.Mask
	case 2: // SIG_SETMASK
		task.Blocked = mask
	default:
		task.Unlock()
		return sigMaskBytes(old, negate("SIGPROCMASK", veos.NewError("SIGPROCMASK", veos.ErrCodeInvalidArgument, "unknown how value")))
	}
	task.Unlock()

	return sigMaskBytes(old, 0)
}

func (d *Dispatcher) handleSigPending(hdr uapi.ProtoHeader) []byte {
	task, err := d.lookupTask(hdr.CallerPID)
	if err != nil {
		return sigMaskBytes(0, negate("SIGPENDING", veos.NewTaskError("SIGPENDING", hdr.CallerPID, veos.ErrCodeNotFound, err.Error())))
	}
	return sigMaskBytes(task.Pending().Mask(), 0)
}

func (d *Dispatcher) handleSigSuspend(hdr uapi.ProtoHeader, payload []byte) []byte {
	var req uapi.SigSuspendPayload
	if err := uapi.Unmarshal(payload, &req); err != nil {
		return ackBytes(negate("SIGSUSPEND", err))
	}

	task, err := d.lookupTask(hdr.CallerPID)
	if err != nil {
		return ackBytes(negate("SIGSUSPEND", veos.NewTaskError("SIGSUSPEND", hdr.CallerPID, veos.ErrCodeNotFound, err.Error())))
	}

	task.Lock()
	saved := task.Blocked
	task.Saved = saved
	task.Blocked = req.Mask
	task.Unlock()

	if task.Pending().Count() > 0 {
		vesignal.DoSignal(task, d.obs)
	}

	task.Lock()
	task.Blocked = saved
	task.Unlock()

	return ackBytes(0)
}

func (d *Dispatcher) handleSigAltStack(hdr uapi.ProtoHeader, payload []byte) []byte {
	var req uapi.SigAltStackPayload
	if err := uapi.Unmarshal(payload, &req); err != nil {
		return altStackBytes(uapi.SigAltStackWire{}, negate("SIGALTSTACK", err))
	}

	task, err := d.lookupTask(hdr.CallerPID)
	if err != nil {
		return altStackBytes(uapi.SigAltStackWire{}, negate("SIGALTSTACK", veos.NewTaskError("SIGALTSTACK", hdr.CallerPID, veos.ErrCodeNotFound, err.Error())))
	}

	task.Lock()
	if task.AltStack.OnStack {
		task.Unlock()
		return altStackBytes(uapi.SigAltStackWire{}, negate("SIGALTSTACK", veos.NewTaskError("SIGALTSTACK", hdr.CallerPID, veos.ErrCodeBusy, "cannot change altstack while running on it")))
	}

	old := uapi.SigAltStackWire{Addr: task.AltStack.Addr, Flags: task.AltStack.Flags, Size: task.AltStack.Size}
	task.AltStack.Addr = req.Stack.Addr
	task.AltStack.Flags = req.Stack.Flags
	task.AltStack.Size = req.Stack.Size
	task.Unlock()

	return altStackBytes(old, 0)
}

func (d *Dispatcher) handleGetContext(hdr uapi.ProtoHeader) []byte {
	task, err := d.lookupTask(hdr.CallerPID)
	if err != nil {
		return contextBytes(vesignal.RegisterImage{}, negate("GET_CONTEXT", veos.NewTaskError("GET_CONTEXT", hdr.CallerPID, veos.ErrCodeNotFound, err.Error())))
	}

	task.Lock()
	regs := task.Regs
	task.Unlock()

	return contextBytes(regs, 0)
}

func (d *Dispatcher) handleSetContext(hdr uapi.ProtoHeader, payload []byte) []byte {
	var req uapi.ContextResult
	if err := uapi.Unmarshal(payload, &req); err != nil {
		return ackBytes(negate("SET_CONTEXT", err))
	}

	task, err := d.lookupTask(hdr.CallerPID)
	if err != nil {
		return ackBytes(negate("SET_CONTEXT", veos.NewTaskError("SET_CONTEXT", hdr.CallerPID, veos.ErrCodeNotFound, err.Error())))
	}

	task.Lock()
	task.Regs.GPR = req.MContext.GPR
	task.Regs.PSW = req.MContext.PSW
	task.Regs.IC = req.MContext.IC
	task.Unlock()

	return ackBytes(0)
}

func ackBytes(result int64) []byte {
	ack := uapi.AckPayload{Result: result}
	return uapi.Marshal(&ack)
}

func sigMaskBytes(oldMask uint64, result int64) []byte {
	r := uapi.SigMaskResult{OldMask: oldMask, Result: result}
	return uapi.Marshal(&r)
}

func altStackBytes(old uapi.SigAltStackWire, result int64) []byte {
	r := uapi.SigAltStackResult{Old: old, Result: result}
	return uapi.Marshal(&r)
}

func contextBytes(regs vesignal.RegisterImage, result int64) []byte {
	r := uapi.ContextResult{
		MContext: uapi.MContextWire{GPR: regs.GPR, PSW: regs.PSW, IC: regs.IC},
		Result:   result,
	}
	return uapi.Marshal(&r)
}
