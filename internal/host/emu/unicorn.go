//go:build unicorn

package emu

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"golang.org/x/arch/x86/x86asm"

	"doit/internal/disasm"
	"doit/internal/elfx"
	"doit/internal/host"
)

func init() {
	host.Register(Name, func() host.Backend { return New() })
}

// Backend is the unicorn execution host.
type Backend struct {
	logger *log.Logger
}

// New returns an emulator backend.
func New() *Backend {
	return &Backend{logger: log.New(io.Discard)}
}

// Name implements host.Backend.
func (b *Backend) Name() string {
	return Name
}

// SetLogger replaces the diagnostic logger.
func (b *Backend) SetLogger(l *log.Logger) {
	b.logger = l
}

var argRegs = [6]int{uc.X86_REG_RDI, uc.X86_REG_RSI, uc.X86_REG_RDX, uc.X86_REG_R10, uc.X86_REG_R8, uc.X86_REG_R9}

var gpRegs = map[x86asm.Reg]int{
	x86asm.RAX: uc.X86_REG_RAX, x86asm.RCX: uc.X86_REG_RCX,
	x86asm.RDX: uc.X86_REG_RDX, x86asm.RBX: uc.X86_REG_RBX,
	x86asm.RSP: uc.X86_REG_RSP, x86asm.RBP: uc.X86_REG_RBP,
	x86asm.RSI: uc.X86_REG_RSI, x86asm.RDI: uc.X86_REG_RDI,
	x86asm.R8: uc.X86_REG_R8, x86asm.R9: uc.X86_REG_R9,
	x86asm.R10: uc.X86_REG_R10, x86asm.R11: uc.X86_REG_R11,
	x86asm.R12: uc.X86_REG_R12, x86asm.R13: uc.X86_REG_R13,
	x86asm.R14: uc.X86_REG_R14, x86asm.R15: uc.X86_REG_R15,
	x86asm.RIP: uc.X86_REG_RIP,
}

// machine adapts a paused unicorn engine to host.Machine.
type machine struct {
	mu uc.Unicorn
}

func (m machine) Reg(r x86asm.Reg) (uint64, error) {
	id, ok := gpRegs[r]
	if !ok {
		return 0, fmt.Errorf("register %s not available", r)
	}
	return m.mu.RegRead(id)
}

func (m machine) SegmentBase(seg x86asm.Reg) (uint64, error) {
	switch seg {
	case x86asm.FS:
		return m.mu.RegRead(uc.X86_REG_FS_BASE)
	case x86asm.GS:
		return m.mu.RegRead(uc.X86_REG_GS_BASE)
	case x86asm.ES, x86asm.CS, x86asm.SS, x86asm.DS:
		return 0, nil
	}
	return 0, fmt.Errorf("segment %s not available", seg)
}

func (m machine) MemRead(addr, size uint64) ([]byte, error) {
	return m.mu.MemRead(addr, size)
}

func (m machine) MemWrite(addr uint64, data []byte) error {
	return m.mu.MemWrite(addr, data)
}

// Run loads the static executable t.Path into a fresh emulator and runs it
// from its entry point until it exits or faults.
func (b *Backend) Run(ctx context.Context, t host.Target, ins *host.Instrumenter) (status host.ExitStatus, err error) {
	im, err := elfx.Open(t.Path)
	if err != nil {
		return host.ExitStatus{}, host.InitError(err)
	}
	defer im.Close()

	lay, err := Plan(im)
	if err != nil {
		return host.ExitStatus{}, host.InitError(err)
	}

	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return host.ExitStatus{}, host.InitError(fmt.Errorf("create unicorn: %w", err))
	}
	defer func() {
		if cerr := mu.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close unicorn: %w", cerr)).ErrorOrNil()
		}
	}()

	if err := load(mu, lay, t, im.Path); err != nil {
		return host.ExitStatus{}, host.InitError(err)
	}

	m := machine{mu: mu}
	sys := NewSyscalls(t.Stdin, t.Stdout, t.Stderr, lay.Break, b.logger)

	var (
		runErr error
		fault  error
		exited bool
	)
	stop := func(e error) {
		if runErr == nil {
			runErr = e
		}
		_ = mu.Stop()
	}

	_, err = mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if runErr != nil || exited {
			return
		}
		if ctx.Err() != nil {
			status = host.ExitStatus{Signal: "SIGKILL", Code: 137, Killed: true}
			_ = mu.Stop()
			return
		}
		var code []byte
		if !ins.Known(addr) {
			var rerr error
			// The last instruction before an unmapped page can be shorter
			// than the fetch window.
			if code, rerr = mu.MemRead(addr, disasm.MaxInstLen); rerr != nil {
				code, _ = mu.MemRead(addr, uint64(size))
			}
		}
		if err := ins.Before(m, addr, code); err != nil {
			stop(err)
		}
	}, 1, 0)
	if err != nil {
		return host.ExitStatus{}, host.InitError(fmt.Errorf("add code hook: %w", err))
	}

	_, err = mu.HookAdd(uc.HOOK_INSN, func(mu uc.Unicorn) {
		nr, rerr := mu.RegRead(uc.X86_REG_RAX)
		if rerr != nil {
			stop(fmt.Errorf("read syscall number: %w", rerr))
			return
		}
		args, rerr := readArgs(argRegs, mu.RegRead)
		if rerr != nil {
			stop(rerr)
			return
		}
		res := sys.Dispatch(m, nr, args)
		b.logger.Debug("syscall", "nr", nr, "result", res)
		if res.Exit {
			exited = true
			status.Code = res.Code
			_ = mu.Stop()
			return
		}
		for _, mp := range res.Map {
			if merr := mu.MemMapProt(mp.Addr, mp.Size, mp.Prot); merr != nil {
				stop(fmt.Errorf("grow heap: %w", merr))
				return
			}
		}
		if res.SetFS {
			if werr := mu.RegWrite(uc.X86_REG_FS_BASE, res.FSBase); werr != nil {
				stop(fmt.Errorf("set fs base: %w", werr))
				return
			}
		}
		if werr := mu.RegWrite(uc.X86_REG_RAX, res.Ret); werr != nil {
			stop(fmt.Errorf("write syscall result: %w", werr))
		}
	}, 1, 0, uc.X86_INS_SYSCALL)
	if err != nil {
		return host.ExitStatus{}, host.InitError(fmt.Errorf("add syscall hook: %w", err))
	}

	_, err = mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED|uc.HOOK_MEM_FETCH_UNMAPPED,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			fault = fmt.Errorf("unmapped access %d at %#x (size %d)", access, addr, size)
			return false
		}, 1, 0)
	if err != nil {
		return host.ExitStatus{}, host.InitError(fmt.Errorf("add fault hook: %w", err))
	}

	serr := mu.Start(lay.Entry, ^uint64(0))
	switch {
	case runErr != nil:
		return host.ExitStatus{}, runErr
	case exited, status.Killed:
		return status, nil
	case fault != nil || serr != nil:
		pc, _ := mu.RegRead(uc.X86_REG_RIP)
		b.logger.Debug("target faulted", "pc", fmt.Sprintf("%#x", pc), "fault", fault, "err", serr)
		return host.ExitStatus{Signal: "SIGSEGV", Code: 139}, nil
	}
	return status, nil
}

func load(mu uc.Unicorn, lay Layout, t host.Target, path string) error {
	for _, mp := range lay.Mappings {
		if err := mu.MemMapProt(mp.Addr, mp.Size, mp.Prot); err != nil {
			return fmt.Errorf("map %#x+%#x: %w", mp.Addr, mp.Size, err)
		}
	}
	for _, w := range lay.Writes {
		if err := mu.MemWrite(w.Addr, w.Data); err != nil {
			return fmt.Errorf("load %#x: %w", w.Addr, err)
		}
	}

	if err := mu.MemMapProt(stackTop-stackSize, stackSize, protRead|protWrite); err != nil {
		return fmt.Errorf("map stack: %w", err)
	}
	argv := append([]string{filepath.Base(path)}, t.Args...)
	sp, data := Stack(stackTop, argv, t.Env, lay.Entry)
	if err := mu.MemWrite(sp, data); err != nil {
		return fmt.Errorf("write stack: %w", err)
	}
	if err := mu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
		return fmt.Errorf("set rsp: %w", err)
	}
	return nil
}
