package host

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"

	"doit/internal/disasm"
	"doit/internal/enforcer"
	"doit/internal/trace"
)

// UnknownMnemonic names instructions the decoder rejects.
const UnknownMnemonic = "UNKNOWN"

// Site is the cached decision for one code address.
type Site struct {
	Inst      disasm.Inst
	Plan      enforcer.Plan // dynamic actions only
	Violation bool
	Decoded   bool
}

// Counters summarizes an instrumented run.
type Counters struct {
	Steps      uint64 // dynamic instructions
	Sites      int    // unique instruction addresses
	Violations int    // unique addresses that produced a warning
	Undecoded  int
}

// Instrumenter decides once per address and replays the cached plan before
// every execution of that address.
type Instrumenter struct {
	engine *enforcer.Engine
	out    *trace.Writer
	logger *log.Logger

	sites    map[uint64]*Site
	counters Counters

	finiOnce sync.Once
	finiErr  error
}

// Option configures an Instrumenter.
type Option func(*Instrumenter)

// WithLogger sets the diagnostic logger.
func WithLogger(l *log.Logger) Option {
	return func(in *Instrumenter) {
		in.logger = l
	}
}

// NewInstrumenter returns an instrumenter writing to out.
func NewInstrumenter(engine *enforcer.Engine, out *trace.Writer, opts ...Option) *Instrumenter {
	in := &Instrumenter{
		engine: engine,
		out:    out,
		logger: log.New(io.Discard),
		sites:  make(map[uint64]*Site),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Before runs the plan for the instruction at pc. code holds the bytes at pc;
// it is only decoded the first time pc is seen.
func (in *Instrumenter) Before(m Machine, pc uint64, code []byte) error {
	s, err := in.Site(pc, code)
	if err != nil {
		return err
	}
	in.counters.Steps++
	return in.fire(m, pc, s)
}

// Reset forgets every cached decision. Backends call it when the target
// replaces its code, such as after execve. Counters keep accumulating.
func (in *Instrumenter) Reset() {
	in.sites = make(map[uint64]*Site)
}

// Known reports whether pc already has a cached decision, in which case
// Before ignores its code argument.
func (in *Instrumenter) Known(pc uint64) bool {
	_, ok := in.sites[pc]
	return ok
}

// Site returns the cached decision for pc, deciding it now if pc is new. A
// violation is written to the trace at decision time.
func (in *Instrumenter) Site(pc uint64, code []byte) (*Site, error) {
	if s, ok := in.sites[pc]; ok {
		return s, nil
	}

	s := &Site{Decoded: true}
	inst, err := disasm.Decode(code, pc)
	var plan enforcer.Plan
	if err != nil {
		in.logger.Debug("undecodable instruction", "pc", fmt.Sprintf("%#x", pc), "err", err)
		s.Decoded = false
		in.counters.Undecoded++
		inst = disasm.Inst{VA: pc, Mnemonic: UnknownMnemonic}
		plan = enforcer.Plan{
			{Kind: enforcer.EmitWarning, Mnemonic: UnknownMnemonic},
			{Kind: enforcer.EmitAddress},
			{Kind: enforcer.EmitTerminator},
		}
	} else {
		plan = in.engine.Decide(inst)
	}

	if w, ok := plan.Warning(); ok {
		if err := in.out.Warning(w.Mnemonic); err != nil {
			return nil, fmt.Errorf("write warning: %w", err)
		}
		s.Violation = true
		in.counters.Violations++
		in.logger.Debug("policy violation", "pc", fmt.Sprintf("%#x", pc), "inst", inst.Text)
	}

	s.Inst = inst
	s.Plan = plan.Dynamic()
	in.sites[pc] = s
	in.counters.Sites++
	return s, nil
}

func (in *Instrumenter) fire(m Machine, pc uint64, s *Site) error {
	for i, a := range s.Plan {
		var err error
		switch a.Kind {
		case enforcer.EmitAddress:
			err = in.out.Address(pc)
		case enforcer.EmitMemoryOperandAddress:
			var ea uint64
			ea, err = EffectiveAddress(m, s.Inst, s.Inst.MemOps[a.Index])
			if err == nil {
				err = in.out.Address(ea)
			}
		case enforcer.EmitSpecialValue:
			err = in.value(m, s.Inst, a)
		case enforcer.EmitTerminator:
			err = in.out.Terminate()
		}
		if err != nil {
			err = fmt.Errorf("%#x %s: %w", pc, a, err)
			// Close the partial record so later lines stay whole.
			if i > 0 && a.Kind != enforcer.EmitTerminator {
				if terr := in.out.Terminate(); terr != nil {
					err = multierror.Append(err, terr)
				}
			}
			return err
		}
	}
	return nil
}

func (in *Instrumenter) value(m Machine, inst disasm.Inst, a enforcer.Action) error {
	if a.Source == enforcer.FromRegister {
		v, err := ReadReg(m, a.Reg)
		if err != nil {
			return err
		}
		return in.out.Address(v)
	}
	if a.Index < 0 || a.Index >= len(inst.MemOps) {
		return errors.New("no memory source operand")
	}
	ea, err := EffectiveAddress(m, inst, inst.MemOps[a.Index])
	if err != nil {
		return err
	}
	return in.out.Value(a.Size, ea, m)
}

// Fini writes the exit line and closes the trace. Only the first call has
// any effect.
func (in *Instrumenter) Fini(status ExitStatus) error {
	in.finiOnce.Do(func() {
		in.logger.Debug("target finished", "status", status, "steps", in.counters.Steps)
		in.finiErr = in.out.Exit()
	})
	return in.finiErr
}

// Counters returns run totals.
func (in *Instrumenter) Counters() Counters {
	return in.counters
}

// Trace returns the trace writer.
func (in *Instrumenter) Trace() *trace.Writer {
	return in.out
}
