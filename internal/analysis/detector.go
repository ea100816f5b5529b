package analysis

import "golang.org/x/arch/x86/x86asm"

// Detector enriches audit findings, typically by attaching notes.
type Detector interface {
	Detect(findings []Finding) []Finding
}

// DetectorChain runs multiple detectors in sequence
type DetectorChain struct {
	detectors []Detector
}

// NewDetectorChain creates a new detector chain
func NewDetectorChain(detectors ...Detector) *DetectorChain {
	return &DetectorChain{
		detectors: detectors,
	}
}

// Detect runs all detectors in sequence
func (dc *DetectorChain) Detect(findings []Finding) []Finding {
	result := findings
	for _, detector := range dc.detectors {
		result = detector.Detect(result)
	}
	return result
}

// DefaultDetectors are the detectors every audit runs.
func DefaultDetectors() *DetectorChain {
	return NewDetectorChain(LatencyDetector{}, SystemDetector{})
}

// variableLatency lists instructions whose latency is known to depend on
// operand values.
var variableLatency = map[x86asm.Op]string{
	x86asm.DIV:    "latency depends on dividend and divisor",
	x86asm.IDIV:   "latency depends on dividend and divisor",
	x86asm.SQRTSD: "latency depends on operand on some cores",
	x86asm.SQRTSS: "latency depends on operand on some cores",
	x86asm.SQRTPD: "latency depends on operand on some cores",
	x86asm.SQRTPS: "latency depends on operand on some cores",
	x86asm.DIVSD:  "latency depends on operands on some cores",
	x86asm.DIVSS:  "latency depends on operands on some cores",
	x86asm.DIVPD:  "latency depends on operands on some cores",
	x86asm.DIVPS:  "latency depends on operands on some cores",
	x86asm.BSF:    "result depends on the position of the lowest set bit",
	x86asm.BSR:    "result depends on the position of the highest set bit",
	x86asm.POPCNT: "operand value is recorded in the trace",
}

// LatencyDetector notes findings whose timing depends on data.
type LatencyDetector struct{}

func (LatencyDetector) Detect(findings []Finding) []Finding {
	for i := range findings {
		if note, ok := variableLatency[findings[i].Op]; ok {
			findings[i].Notes = append(findings[i].Notes, note)
		}
	}
	return findings
}

// SystemDetector notes instructions that leave the program.
type SystemDetector struct{}

func (SystemDetector) Detect(findings []Finding) []Finding {
	for i := range findings {
		switch findings[i].Op {
		case x86asm.SYSCALL, x86asm.SYSENTER, x86asm.INT:
			findings[i].Notes = append(findings[i].Notes, "enters the kernel")
		case x86asm.RDTSC, x86asm.RDTSCP:
			findings[i].Notes = append(findings[i].Notes, "reads the time stamp counter")
		case x86asm.CPUID:
			findings[i].Notes = append(findings[i].Notes, "serializing")
		}
	}
	return findings
}
