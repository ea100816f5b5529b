package emu

import "encoding/binary"

// Auxiliary vector keys placed on the initial stack.
const (
	atNull   = 0
	atPagesz = 6
	atEntry  = 9
	atRandom = 25
)

// Stack builds the System V initial process stack ending at top: argc, the
// argv and envp pointer arrays, the auxiliary vector, then the strings they
// point to. It returns the stack pointer at entry (16-byte aligned, pointing
// at argc) and the bytes to write there.
func Stack(top uint64, argv, envp []string, entry uint64) (uint64, []byte) {
	// AT_RANDOM points at 16 fixed bytes.
	random := []byte("doit-emu-random!")

	strSize := uint64(len(random))
	for _, s := range append(append([]string(nil), argv...), envp...) {
		strSize += uint64(len(s)) + 1
	}
	strBase := (top - strSize) &^ 15

	var strs []byte
	ptr := func(s string) uint64 {
		p := strBase + uint64(len(strs))
		strs = append(append(strs, s...), 0)
		return p
	}

	vec := []uint64{uint64(len(argv))}
	for _, a := range argv {
		vec = append(vec, ptr(a))
	}
	vec = append(vec, 0)
	for _, e := range envp {
		vec = append(vec, ptr(e))
	}
	vec = append(vec, 0)
	randAddr := strBase + uint64(len(strs))
	strs = append(strs, random...)
	vec = append(vec,
		atPagesz, pageSize,
		atEntry, entry,
		atRandom, randAddr,
		atNull, 0,
	)

	sp := (strBase - uint64(len(vec))*8) &^ 15
	data := make([]byte, top-sp)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(data[i*8:], v)
	}
	copy(data[strBase-sp:], strs)
	return sp, data
}
