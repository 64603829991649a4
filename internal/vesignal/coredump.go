package vesignal

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"github.com/veos-project/veos-core/internal/constants"
	"github.com/veos-project/veos-core/internal/interfaces"
)

// helperMagicArg marks a re-exec of the running binary as the core-dump
// helper rather than a normal daemon start, the same os.Args[0]-plus-magic-
// argument re-exec trick used to launch a stripped-down helper process
// under its own credentials.
const helperMagicArg = "--veos-coredump-helper"

// IsHelperInvocation reports whether the running process was re-exec'd
// to act as the core-dump helper. cmd/veosd's main checks this before
// its normal startup path.
func IsHelperInvocation() bool {
	return len(os.Args) > 2 && os.Args[1] == helperMagicArg
}

// CoreDumper orchestrates an ActionCoreDump default action: freeze the
// thread group, compute the dump's filename from core_pattern, and hand
// the register image and memory regions to a re-exec'd, privilege-
// dropped helper process over a socketpair.
type CoreDumper struct {
	logger interfaces.Logger
	obs    interfaces.Observer
}

// NewCoreDumper returns a CoreDumper using logger/obs for reporting.
func NewCoreDumper(logger interfaces.Logger, obs interfaces.Observer) *CoreDumper {
	return &CoreDumper{logger: logger, obs: obs}
}

// CoreRegion is one memory span to include in the dump, already read
// into memory by the caller (via memxfer.Facade.Recv).
type CoreRegion struct {
	Addr uint64
	Data []byte
}

// filenameFor expands core_pattern against task, matching the kernel's
// core_pattern specifier handling: "%p" is the dumping thread group's id,
// "%h" the host's hostname, "%%" a literal percent sign, and any other
// "%X" token is silently dropped rather than rejected. A pattern starting
// with "|" names a pipe-to-program core_pattern, which this
// implementation doesn't spawn a collector for; it falls back to a plain
// "<execdir>/core" file instead. A non-absolute expansion is anchored
// under the task's ExecDir, mirroring the kernel's behavior of resolving
// a relative core_pattern against the dumping process's cwd. The
// resulting name is suffixed with ".<tgid>.ve" to disambiguate repeated
// dumps under a pattern with no "%p" of its own, or plain ".ve" when the
// pattern already included one.
func filenameFor(pattern string, task *Task) string {
	if strings.HasPrefix(pattern, "|") {
		return filepath.Join(execDir(task), "core")
	}

	var out strings.Builder
	hadPID := false
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '%' || i == len(runes)-1 {
			out.WriteRune(c)
			continue
		}
		i++
		switch runes[i] {
		case 'p':
			out.WriteString(strconv.Itoa(int(task.TGID)))
			hadPID = true
		case 'h':
			host, err := os.Hostname()
			if err != nil {
				host = "unknown-host"
			}
			out.WriteString(host)
		case '%':
			out.WriteByte('%')
		default:
			// unrecognized specifier: dropped, not copied literally
		}
	}

	path := out.String()
	if !filepath.IsAbs(path) {
		path = filepath.Join(execDir(task), path)
	}
	if hadPID {
		return path + ".ve"
	}
	return fmt.Sprintf("%s.%d.ve", path, task.TGID)
}

func execDir(task *Task) string {
	if task.ExecDir != "" {
		return task.ExecDir
	}
	return "."
}

// readCorePattern reads core_pattern, falling back to "core.%p" if the
// file is absent (e.g. running outside a real Linux sysctl tree, as in
// tests).
func readCorePattern() string {
	raw, err := os.ReadFile(constants.CorePatternPath)
	if err != nil {
		return "core.%p"
	}
	return strings.TrimSpace(string(raw))
}

// Dump marks the group GROUP_COREDUMP (so Send/DoSignal stand down for
// every member) and freezes every other thread via CLEANTHREAD, re-execs
// the binary as a helper running under the task's uid/gid, hands it the
// memory regions over a socketpair, and reports success/failure through
// the Observer. A task with RLimitCore == 0 skips the dump itself, as
// RLIMIT_CORE=0 disables core-dumping on Linux; the group is still frozen
// and terminated. Whether or not the dump itself succeeds, Dump marks the
// group GROUP_EXIT and terminates it before returning, matching the
// default action's "dump, then kill" ordering: a failed or skipped dump
// must not leave the group alive.
func (d *CoreDumper) Dump(ctx context.Context, group *Group, task *Task, regions []CoreRegion, uid, gid uint32) error {
	task.SigHand.SetGroupFlag(GroupFlagCoredump)
	group.CleanThread(task, d.obs)

	var err error
	if task.RLimitCore != 0 {
		err = d.dump(task, regions, uid, gid)
	}

	task.SigHand.SetGroupFlag(GroupFlagExit)
	group.Terminate(d.obs)

	return err
}

func (d *CoreDumper) dump(task *Task, regions []CoreRegion, uid, gid uint32) error {
	start := time.Now()
	path := filenameFor(readCorePattern(), task)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		d.reportResult(false, start)
		return fmt.Errorf("vesignal: coredump: socketpair: %w", err)
	}
	parentConn := os.NewFile(uintptr(fds[0]), "coredump-parent")
	defer parentConn.Close()
	childConn := os.NewFile(uintptr(fds[1]), "coredump-child")

	cmd := &exec.Cmd{
		Path:       os.Args[0],
		Args:       []string{os.Args[0], helperMagicArg, path},
		ExtraFiles: []*os.File{childConn},
		Stderr:     os.Stderr,
		SysProcAttr: &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uid, Gid: gid},
		},
	}
	if err := cmd.Start(); err != nil {
		childConn.Close()
		d.reportResult(false, start)
		return fmt.Errorf("vesignal: coredump: starting helper: %w", err)
	}
	childConn.Close()

	sendErr := sendRegionFDs(int(parentConn.Fd()), regions)
	waitErr := cmd.Wait()

	if sendErr != nil {
		d.reportResult(false, start)
		return fmt.Errorf("vesignal: coredump: sending region descriptors: %w", sendErr)
	}
	if waitErr != nil {
		d.reportResult(false, start)
		return fmt.Errorf("vesignal: coredump: helper: %w", waitErr)
	}

	d.reportResult(true, start)
	if d.logger != nil {
		d.logger.Printf("coredump: wrote %s for pid %d", path, task.PID)
	}
	return nil
}

func (d *CoreDumper) reportResult(ok bool, start time.Time) {
	if d.obs != nil {
		d.obs.ObserveCoredump(ok, uint64(time.Since(start).Nanoseconds()))
	}
}

// sendRegionFDs passes one memfd per region to the helper over the
// socketpair using SCM_RIGHTS, so the privilege-dropped helper never
// needs direct access to the caller's address space or file descriptors
// beyond what it is explicitly handed.
func sendRegionFDs(sockFD int, regions []CoreRegion) error {
	for _, r := range regions {
		memFD, err := unix.MemfdCreate(fmt.Sprintf("coreregion-%x", r.Addr), 0)
		if err != nil {
			return fmt.Errorf("memfd_create: %w", err)
		}
		if err := unix.Ftruncate(memFD, int64(len(r.Data))); err != nil {
			unix.Close(memFD)
			return fmt.Errorf("ftruncate: %w", err)
		}
		if _, err := unix.Pwrite(memFD, r.Data, 0); err != nil {
			unix.Close(memFD)
			return fmt.Errorf("pwrite: %w", err)
		}

		var addrBuf [8]byte
		binary.LittleEndian.PutUint64(addrBuf[:], r.Addr)

		rights := unix.UnixRights(memFD)
		if err := unix.Sendmsg(sockFD, addrBuf[:], rights, nil, 0); err != nil {
			unix.Close(memFD)
			return fmt.Errorf("sendmsg SCM_RIGHTS: %w", err)
		}
		unix.Close(memFD)
	}
	return nil
}

// RunHelper is the entry point cmd/veosd's main calls when
// IsHelperInvocation reports true. It installs a seccomp filter
// restricting itself to the syscalls a core-file writer needs, receives
// the region descriptors its parent sends over fd 3, and writes the
// core file. The caller's uid/gid were already dropped by the exec.Cmd
// that launched this process, so this function never touches
// setuid/setgid itself.
func RunHelper() int {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "veos coredump helper: missing core path argument")
		return 1
	}
	path := os.Args[2]

	if err := installCoreDumpFilter(); err != nil {
		fmt.Fprintf(os.Stderr, "veos coredump helper: installing seccomp filter: %v\n", err)
		return 1
	}

	regions, err := recvRegionFDs(int(os.NewFile(3, "coredump-child").Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "veos coredump helper: receiving regions: %v\n", err)
		return 1
	}

	if err := writeCoreFile(path, regions); err != nil {
		fmt.Fprintf(os.Stderr, "veos coredump helper: writing core file: %v\n", err)
		return 1
	}
	return 0
}

// recvRegionFDs drains SCM_RIGHTS-carried memfds off sockFD until the
// peer closes its end, reading each one's full contents.
func recvRegionFDs(sockFD int) ([]CoreRegion, error) {
	var regions []CoreRegion
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 8)

	for {
		n, oobn, _, _, err := unix.Recvmsg(sockFD, buf, oob, 0)
		if err != nil {
			return nil, fmt.Errorf("recvmsg: %w", err)
		}
		if n == 0 && oobn == 0 {
			break // peer closed its end, no more regions
		}
		addr := binary.LittleEndian.Uint64(buf[:8])

		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, fmt.Errorf("parsing control message: %w", err)
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err != nil {
				return nil, fmt.Errorf("parsing unix rights: %w", err)
			}
			for _, fd := range fds {
				data, err := readAllFD(fd)
				unix.Close(fd)
				if err != nil {
					return nil, err
				}
				regions = append(regions, CoreRegion{Addr: addr, Data: data})
			}
		}
	}
	return regions, nil
}

func readAllFD(fd int) ([]byte, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}
	data := make([]byte, st.Size)
	if _, err := unix.Pread(fd, data, 0); err != nil {
		return nil, fmt.Errorf("pread: %w", err)
	}
	return data, nil
}

// installCoreDumpFilter restricts the calling process to the handful of
// syscalls a core-file writer needs, killing the process on anything
// else: a compromised or buggy helper cannot be turned into a general
// write primitive against the dropped-to uid's filesystem.
func installCoreDumpFilter() error {
	filter, err := seccomp.NewFilter(seccomp.ActKill)
	if err != nil {
		return fmt.Errorf("new filter: %w", err)
	}
	defer filter.Release()

	allowed := []string{"open", "openat", "write", "pwrite64", "close", "fstat", "exit", "exit_group", "lseek", "recvmsg", "read"}
	for _, name := range allowed {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			continue // not present on this arch's syscall table, skip rather than fail the whole filter
		}
		if err := filter.AddRule(call, seccomp.ActAllow); err != nil {
			return fmt.Errorf("add rule %s: %w", name, err)
		}
	}
	return filter.Load()
}

// writeCoreFile emits a minimal ELF core file: an ELF header plus one
// PT_LOAD program header per region, each region's bytes written as its
// own segment. This is intentionally not a full Linux core format (no
// NT_PRSTATUS notes); it captures enough to inspect memory contents
// post-mortem.
func writeCoreFile(path string, regions []CoreRegion) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	const ehsize = 64
	const phentsize = 56
	phoff := uint64(ehsize)
	dataOff := phoff + uint64(len(regions))*phentsize

	hdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_NONE),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     phoff,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(regions)),
	}
	if err := writeBinary(f, hdr); err != nil {
		return err
	}

	off := dataOff
	for _, r := range regions {
		ph := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Off:    off,
			Vaddr:  r.Addr,
			Paddr:  r.Addr,
			Filesz: uint64(len(r.Data)),
			Memsz:  uint64(len(r.Data)),
			Flags:  uint32(elf.PF_R),
		}
		if err := writeBinary(f, ph); err != nil {
			return err
		}
		off += uint64(len(r.Data))
	}
	for _, r := range regions {
		if _, err := f.Write(r.Data); err != nil {
			return err
		}
	}
	return nil
}

func writeBinary(w io.Writer, v interface{}) error {
	return binary.Write(w, binary.LittleEndian, v)
}
