package policy

import "golang.org/x/arch/x86/x86asm"

// DefaultOpcodes is the compiled-in allow-list: instructions Intel documents
// as having data operand independent timing, restricted to what x86asm can
// decode. Control flow and no-ops are covered by category instead.
var DefaultOpcodes = []x86asm.Op{
	// General purpose.
	x86asm.ADC, x86asm.ADD, x86asm.AND, x86asm.BSWAP,
	x86asm.BT, x86asm.BTC, x86asm.BTR, x86asm.BTS,
	x86asm.CBW, x86asm.CDQ, x86asm.CDQE, x86asm.CQO, x86asm.CWD, x86asm.CWDE,
	x86asm.CLC, x86asm.CMC, x86asm.STC,
	x86asm.CMOVA, x86asm.CMOVAE, x86asm.CMOVB, x86asm.CMOVBE,
	x86asm.CMOVE, x86asm.CMOVG, x86asm.CMOVGE, x86asm.CMOVL,
	x86asm.CMOVLE, x86asm.CMOVNE, x86asm.CMOVNO, x86asm.CMOVNP,
	x86asm.CMOVNS, x86asm.CMOVO, x86asm.CMOVP, x86asm.CMOVS,
	x86asm.CMP, x86asm.DEC, x86asm.IMUL, x86asm.INC, x86asm.LEA,
	x86asm.MOV, x86asm.MOVSX, x86asm.MOVSXD, x86asm.MOVZX, x86asm.MUL,
	x86asm.NEG, x86asm.NOT, x86asm.OR, x86asm.POP, x86asm.PUSH,
	x86asm.RCL, x86asm.RCR, x86asm.ROL, x86asm.ROR,
	x86asm.SAR, x86asm.SBB, x86asm.SHL, x86asm.SHLD, x86asm.SHR, x86asm.SHRD,
	x86asm.SETA, x86asm.SETAE, x86asm.SETB, x86asm.SETBE,
	x86asm.SETE, x86asm.SETG, x86asm.SETGE, x86asm.SETL,
	x86asm.SETLE, x86asm.SETNE, x86asm.SETNO, x86asm.SETNP,
	x86asm.SETNS, x86asm.SETO, x86asm.SETP, x86asm.SETS,
	x86asm.SUB, x86asm.TEST, x86asm.XADD, x86asm.XCHG, x86asm.XOR,

	// AES-NI and carry-less multiply.
	x86asm.AESDEC, x86asm.AESDECLAST, x86asm.AESENC, x86asm.AESENCLAST,
	x86asm.AESIMC, x86asm.AESKEYGENASSIST, x86asm.PCLMULQDQ,

	// SSE data movement and logic.
	x86asm.MOVAPD, x86asm.MOVAPS, x86asm.MOVUPD, x86asm.MOVUPS,
	x86asm.MOVD, x86asm.MOVQ, x86asm.MOVDQA, x86asm.MOVDQU,
	x86asm.MOVDDUP, x86asm.MOVSHDUP, x86asm.MOVSLDUP, x86asm.MOVHLPS, x86asm.MOVLHPS,
	x86asm.ANDPD, x86asm.ANDPS, x86asm.ANDNPD, x86asm.ANDNPS,
	x86asm.ORPD, x86asm.ORPS, x86asm.XORPD, x86asm.XORPS,
	x86asm.BLENDPD, x86asm.BLENDPS, x86asm.SHUFPD, x86asm.SHUFPS,
	x86asm.UNPCKHPD, x86asm.UNPCKHPS, x86asm.UNPCKLPD, x86asm.UNPCKLPS,

	// SSE integer.
	x86asm.PABSB, x86asm.PABSD, x86asm.PABSW,
	x86asm.PACKSSDW, x86asm.PACKSSWB, x86asm.PACKUSDW, x86asm.PACKUSWB,
	x86asm.PADDB, x86asm.PADDD, x86asm.PADDQ, x86asm.PADDW,
	x86asm.PADDSB, x86asm.PADDSW, x86asm.PADDUSB, x86asm.PADDUSW,
	x86asm.PALIGNR, x86asm.PAND, x86asm.PANDN, x86asm.POR, x86asm.PXOR,
	x86asm.PAVGB, x86asm.PAVGW, x86asm.PBLENDW,
	x86asm.PCMPEQB, x86asm.PCMPEQD, x86asm.PCMPEQQ, x86asm.PCMPEQW,
	x86asm.PCMPGTB, x86asm.PCMPGTD, x86asm.PCMPGTQ, x86asm.PCMPGTW,
	x86asm.PEXTRB, x86asm.PEXTRD, x86asm.PEXTRQ, x86asm.PEXTRW,
	x86asm.PINSRB, x86asm.PINSRD, x86asm.PINSRQ, x86asm.PINSRW,
	x86asm.PMADDUBSW, x86asm.PMADDWD,
	x86asm.PMAXSB, x86asm.PMAXSD, x86asm.PMAXSW,
	x86asm.PMAXUB, x86asm.PMAXUD, x86asm.PMAXUW,
	x86asm.PMINSB, x86asm.PMINSD, x86asm.PMINSW,
	x86asm.PMINUB, x86asm.PMINUD, x86asm.PMINUW,
	x86asm.PMOVMSKB,
	x86asm.PMOVSXBD, x86asm.PMOVSXBQ, x86asm.PMOVSXBW,
	x86asm.PMOVSXDQ, x86asm.PMOVSXWD, x86asm.PMOVSXWQ,
	x86asm.PMOVZXBD, x86asm.PMOVZXBQ, x86asm.PMOVZXBW,
	x86asm.PMOVZXDQ, x86asm.PMOVZXWD, x86asm.PMOVZXWQ,
	x86asm.PMULDQ, x86asm.PMULHRSW, x86asm.PMULHUW, x86asm.PMULHW,
	x86asm.PMULLD, x86asm.PMULLW, x86asm.PMULUDQ,
	x86asm.PSADBW, x86asm.PSHUFB, x86asm.PSHUFD, x86asm.PSHUFHW, x86asm.PSHUFLW,
	x86asm.PSIGNB, x86asm.PSIGND, x86asm.PSIGNW,
	x86asm.PSLLD, x86asm.PSLLDQ, x86asm.PSLLQ, x86asm.PSLLW,
	x86asm.PSRAD, x86asm.PSRAW,
	x86asm.PSRLD, x86asm.PSRLDQ, x86asm.PSRLQ, x86asm.PSRLW,
	x86asm.PSUBB, x86asm.PSUBD, x86asm.PSUBQ, x86asm.PSUBW,
	x86asm.PSUBSB, x86asm.PSUBSW, x86asm.PSUBUSB, x86asm.PSUBUSW,
	x86asm.PTEST,
	x86asm.PUNPCKHBW, x86asm.PUNPCKHDQ, x86asm.PUNPCKHQDQ, x86asm.PUNPCKHWD,
	x86asm.PUNPCKLBW, x86asm.PUNPCKLDQ, x86asm.PUNPCKLQDQ, x86asm.PUNPCKLWD,
}
