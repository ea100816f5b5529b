package emu

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
)

// Linux x86-64 system call numbers serviced by the shim.
const (
	sysRead      = 0
	sysWrite     = 1
	sysBrk       = 12
	sysExit      = 60
	sysArchPrctl = 158
	sysExitGroup = 231
)

const archSetFS = 0x1002

const (
	ebadf  = 9
	efault = 14
	einval = 22
	enosys = 38
)

// maxIO bounds a single read or write request.
const maxIO = 1 << 20

// Memory is the emulator memory the shim copies through.
type Memory interface {
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
}

// Result is the outcome of one system call. The caller applies the side
// effects the shim cannot perform itself.
type Result struct {
	Ret    uint64 // value for RAX
	Exit   bool
	Code   int
	SetFS  bool
	FSBase uint64
	Map    []Mapping // new heap pages
}

// Syscalls services the raw system calls of a freestanding target.
type Syscalls struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	logger  *log.Logger
	brkBase uint64
	brk     uint64
	mapped  uint64 // end of the pages handed out so far
}

// NewSyscalls returns a shim whose heap starts at brk.
func NewSyscalls(stdin io.Reader, stdout, stderr io.Writer, brk uint64, logger *log.Logger) *Syscalls {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Syscalls{
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		logger:  logger,
		brkBase: brk,
		brk:     brk,
		mapped:  alignUp(brk),
	}
}

// Dispatch runs system call nr with the six argument registers
// (rdi, rsi, rdx, r10, r8, r9).
func (s *Syscalls) Dispatch(mem Memory, nr uint64, args [6]uint64) Result {
	switch nr {
	case sysRead:
		return s.read(mem, args[0], args[1], args[2])
	case sysWrite:
		return s.write(mem, args[0], args[1], args[2])
	case sysExit, sysExitGroup:
		return Result{Exit: true, Code: int(int32(args[0]))}
	case sysBrk:
		return s.setBrk(args[0])
	case sysArchPrctl:
		if args[0] != archSetFS {
			return errno(einval)
		}
		return Result{SetFS: true, FSBase: args[1]}
	}
	s.logger.Debug("unsupported system call", "nr", nr)
	return errno(enosys)
}

func (s *Syscalls) read(mem Memory, fd, buf, count uint64) Result {
	if fd != 0 {
		return errno(ebadf)
	}
	if s.Stdin == nil || count == 0 {
		return Result{}
	}
	p := make([]byte, min(count, maxIO))
	n, err := s.Stdin.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug("stdin read failed", "err", err)
	}
	if n == 0 {
		return Result{}
	}
	if err := mem.MemWrite(buf, p[:n]); err != nil {
		return errno(efault)
	}
	return Result{Ret: uint64(n)}
}

func (s *Syscalls) write(mem Memory, fd, buf, count uint64) Result {
	var w io.Writer
	switch fd {
	case 1:
		w = s.Stdout
	case 2:
		w = s.Stderr
	default:
		return errno(ebadf)
	}
	p, err := mem.MemRead(buf, min(count, maxIO))
	if err != nil {
		return errno(efault)
	}
	if w == nil {
		return Result{Ret: uint64(len(p))}
	}
	n, err := w.Write(p)
	if err != nil {
		s.logger.Debug("target write failed", "fd", fd, "err", err)
	}
	return Result{Ret: uint64(n)}
}

func (s *Syscalls) setBrk(addr uint64) Result {
	switch {
	case addr == 0 || addr < s.brkBase:
		return Result{Ret: s.brk}
	case addr <= s.mapped:
		s.brk = addr
		return Result{Ret: addr}
	}
	to := alignUp(addr)
	res := Result{
		Ret: addr,
		Map: []Mapping{{Addr: s.mapped, Size: to - s.mapped, Prot: protRead | protWrite}},
	}
	s.brk = addr
	s.mapped = to
	return res
}

func errno(e uint64) Result {
	return Result{Ret: -e}
}

func (r Result) String() string {
	if r.Exit {
		return fmt.Sprintf("exit(%d)", r.Code)
	}
	return fmt.Sprintf("%#x", r.Ret)
}

// readArgs loads the six syscall argument registers.
func readArgs(regs [6]int, read func(reg int) (uint64, error)) ([6]uint64, error) {
	var args [6]uint64
	for i, r := range regs {
		v, err := read(r)
		if err != nil {
			return args, fmt.Errorf("read syscall argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}
