//go:build linux && amd64

package ptrace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"doit/internal/disasm"
	"doit/internal/host"
)

// Run starts t stopped at its first instruction and single-steps it until it
// exits. Threads created by the target run untraced.
func (b *Backend) Run(ctx context.Context, t host.Target, ins *host.Instrumenter) (host.ExitStatus, error) {
	path, err := exec.LookPath(t.Path)
	if err != nil {
		return host.ExitStatus{}, host.InitError(err)
	}
	files, err := stdio(t)
	if err != nil {
		return host.ExitStatus{}, host.InitError(err)
	}
	env := t.Env
	if env == nil {
		env = os.Environ()
	}

	// Every ptrace request must come from the thread that started the tracee.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	proc, err := os.StartProcess(path, append([]string{t.Path}, t.Args...), &os.ProcAttr{
		Env:   env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Ptrace: true},
	})
	if err != nil {
		return host.ExitStatus{}, host.InitError(err)
	}
	defer proc.Release()

	tr := &tracee{pid: proc.Pid}
	ws, err := tr.wait()
	if err != nil {
		return host.ExitStatus{}, host.InitError(err)
	}
	if !ws.Stopped() {
		return status(ws, false), host.InitError(fmt.Errorf("target ended before its first instruction (%s)", status(ws, false)))
	}
	if err := unix.PtraceSetOptions(tr.pid, unix.PTRACE_O_EXITKILL|unix.PTRACE_O_TRACEEXEC); err != nil {
		return host.ExitStatus{}, host.InitError(tr.abort(fmt.Errorf("set options: %w", err)))
	}
	b.logger.Debug("target stopped after exec", "pid", tr.pid, "path", path)

	stop := context.AfterFunc(ctx, func() {
		_ = unix.Kill(tr.pid, unix.SIGKILL)
	})
	defer stop()

	var sig unix.Signal
	for {
		// A stop that delivers a signal did not retire the instruction at pc.
		if sig == 0 {
			if err := tr.refresh(); err != nil {
				return host.ExitStatus{}, tr.abort(fmt.Errorf("read registers: %w", err))
			}
			pc := tr.regs.Rip
			var code []byte
			if !ins.Known(pc) {
				code = tr.code(pc)
			}
			if err := ins.Before(tr, pc, code); err != nil {
				return host.ExitStatus{}, tr.abort(err)
			}
		}

		if err := tr.step(sig); err != nil {
			return host.ExitStatus{}, tr.abort(fmt.Errorf("single-step at %#x: %w", tr.regs.Rip, err))
		}
		sig = 0

		ws, err := tr.wait()
		if err != nil {
			return host.ExitStatus{}, fmt.Errorf("wait: %w", err)
		}
		switch {
		case ws.Exited(), ws.Signaled():
			return status(ws, ctx.Err() != nil), nil
		case ws.Stopped() && ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_EXEC:
			// execve replaced the image; decisions for the old code no longer apply.
			b.logger.Debug("target executed a new image", "pid", tr.pid)
			ins.Reset()
		case ws.Stopped():
			if s := ws.StopSignal(); s != unix.SIGTRAP {
				b.logger.Debug("forwarding signal", "signal", unix.SignalName(s), "pc", fmt.Sprintf("%#x", tr.regs.Rip))
				sig = s
			}
		}
	}
}

func stdio(t host.Target) ([]*os.File, error) {
	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	for i, s := range []any{t.Stdin, t.Stdout, t.Stderr} {
		if s == nil {
			continue
		}
		f, ok := s.(*os.File)
		if !ok {
			return nil, fmt.Errorf("stdio %d: ptrace needs an *os.File, got %T", i, s)
		}
		files[i] = f
	}
	return files, nil
}

func status(ws unix.WaitStatus, cancelled bool) host.ExitStatus {
	st := host.ExitStatus{Killed: cancelled}
	switch {
	case ws.Exited():
		st.Code = ws.ExitStatus()
	case ws.Signaled():
		st.Signal = unix.SignalName(ws.Signal())
		st.Code = 128 + int(ws.Signal())
	}
	return st
}

// tracee is the stopped initial thread. It implements host.Machine over the
// register snapshot taken at the current stop.
type tracee struct {
	pid  int
	regs unix.PtraceRegs
	buf  [disasm.MaxInstLen]byte
}

func (t *tracee) refresh() error {
	return unix.PtraceGetRegs(t.pid, &t.regs)
}

func (t *tracee) step(sig unix.Signal) error {
	if sig == 0 {
		return unix.PtraceSingleStep(t.pid)
	}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(t.pid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *tracee) wait() (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(t.pid, &ws, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return ws, err
	}
}

// abort kills the tracee after a fatal error and reaps it.
func (t *tracee) abort(cause error) error {
	var merr error = cause
	if err := unix.Kill(t.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		merr = multierror.Append(merr, fmt.Errorf("kill target: %w", err))
	}
	if _, err := t.wait(); err != nil && !errors.Is(err, unix.ECHILD) {
		merr = multierror.Append(merr, fmt.Errorf("reap target: %w", err))
	}
	return merr
}

// code returns up to MaxInstLen bytes at pc, fewer when pc is near the end
// of a mapping.
func (t *tracee) code(pc uint64) []byte {
	buf := t.buf[:]
	if n, err := unix.PtracePeekText(t.pid, uintptr(pc), buf); err == nil {
		return buf[:n]
	}
	n := 0
	for ; n < len(buf); n++ {
		if _, err := unix.PtracePeekText(t.pid, uintptr(pc)+uintptr(n), buf[n:n+1]); err != nil {
			break
		}
	}
	return buf[:n]
}

func (t *tracee) Reg(r x86asm.Reg) (uint64, error) {
	switch r {
	case x86asm.RAX:
		return t.regs.Rax, nil
	case x86asm.RCX:
		return t.regs.Rcx, nil
	case x86asm.RDX:
		return t.regs.Rdx, nil
	case x86asm.RBX:
		return t.regs.Rbx, nil
	case x86asm.RSP:
		return t.regs.Rsp, nil
	case x86asm.RBP:
		return t.regs.Rbp, nil
	case x86asm.RSI:
		return t.regs.Rsi, nil
	case x86asm.RDI:
		return t.regs.Rdi, nil
	case x86asm.R8:
		return t.regs.R8, nil
	case x86asm.R9:
		return t.regs.R9, nil
	case x86asm.R10:
		return t.regs.R10, nil
	case x86asm.R11:
		return t.regs.R11, nil
	case x86asm.R12:
		return t.regs.R12, nil
	case x86asm.R13:
		return t.regs.R13, nil
	case x86asm.R14:
		return t.regs.R14, nil
	case x86asm.R15:
		return t.regs.R15, nil
	case x86asm.RIP:
		return t.regs.Rip, nil
	}
	return 0, fmt.Errorf("register %s not available", r)
}

func (t *tracee) SegmentBase(seg x86asm.Reg) (uint64, error) {
	switch seg {
	case x86asm.FS:
		return t.regs.Fs_base, nil
	case x86asm.GS:
		return t.regs.Gs_base, nil
	case x86asm.ES, x86asm.CS, x86asm.SS, x86asm.DS:
		return 0, nil
	}
	return 0, fmt.Errorf("segment %s not available", seg)
}

func (t *tracee) MemRead(addr, size uint64) ([]byte, error) {
	out := make([]byte, size)
	n, err := unix.PtracePeekData(t.pid, uintptr(addr), out)
	if err != nil {
		return nil, fmt.Errorf("peek %#x: %w", addr, err)
	}
	return out[:n], nil
}
