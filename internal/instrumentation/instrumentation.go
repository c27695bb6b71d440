// Package instrumentation carries the fixed machine-code byte sequences the
// (out-of-scope) code generator splices into translated guest blocks when
// chain-count or jmx-jump instrumentation is enabled.
//
// There is no algorithmic content here: these are wire-format constants
// ported byte-for-byte from chain-count.c and jmx-jump.c. They exist so a
// caller wiring up the generator has a single source of truth instead of
// re-transcribing hex literals.
package instrumentation

// ChainCountCode is the x86-64 sequence that decrements a per-CPU chain
// counter and compares it to zero:
//
//	decl  0x132b4(%rbp)
//	cmpl  $0, 0x132b4(%rbp)
//
// The conditional jump back into QEMU on a zero count is appended
// separately by the code generator, not carried here.
var ChainCountCode = []byte{
	0xFF, 0x8D, 0xB4, 0x32, 0x01, 0x00,
	0x83, 0xBD, 0xB4, 0x32, 0x01, 0x00, 0x00,
}

// InitialChainCount is the value a freshly reset chain counter is seeded
// with, matching reset_chain_count's 1000.
const InitialChainCount = 1000

// JMXJumpCode is the x86-64 sequence that loads the address of the word
// immediately following itself and performs an indirect call through it,
// then restores the stack:
//
//	lea   0x2(%rip), %rax
//	call  *%rax
//	add   $0x8, %rsp
//
// This is the jump inserted at a block's start when jmx-jump instrumentation
// is enabled; enabling it forces the mapping offset that
// internal/controller.RecordMapping adds to host addresses in the mapping
// file to 7, since the inserted jump sits seven bytes ahead of the block's
// first real instruction (see internal/config.FromFlags).
var JMXJumpCode = []byte{
	0x48, 0x8d, 0x05, 0x02, 0x00,
	0x00, 0x00, 0xff, 0xd0, 0x48,
	0x83, 0xc4, 0x08,
}

// JMXMappingOffset is the mapping-offset value insert-jmx forces.
const JMXMappingOffset = 7
