package decoder

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/iptcol/iptcol/internal/addrmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullIPTIP builds the bytes of a full-IP (ip_bits = 0b110) TIP packet.
func fullIPTIP(opcode byte, ip uint64) []byte {
	b := make([]byte, 9)
	b[0] = byte(0b110<<5) | opcode
	for i := 0; i < 8; i++ {
		b[8-i] = byte(ip >> (uint(7-i) * 8))
	}
	return b
}

func Test_DecodeJob_EmptyStream(t *testing.T) {
	addrs := addrmap.New()
	job := NewJob(0, 0)

	DecodeJob(nil, job, addrs)
	assert.Empty(t, job.Trace)
}

func Test_DecodeJob_NoPSB_NeverSynchronizes(t *testing.T) {
	addrs := addrmap.New()
	addrs.Insert(0x1000, 0xA000)

	job := NewJob(0, 0)
	DecodeJob(fullIPTIP(tipPGEOpcode, 0x1000), job, addrs)

	assert.Empty(t, job.Trace, "without a PSB the decoder must not interpret any bytes")
}

func Test_DecodeJob_SingleTIP_FlushedAtEndOfJob(t *testing.T) {
	addrs := addrmap.New()
	addrs.Insert(0x1000, 0xA000)

	data := append(append([]byte{}, psbPattern...), fullIPTIP(tipPGEOpcode, 0x1000)...)

	job := NewJob(0, 0)
	DecodeJob(data, job, addrs)

	require.Len(t, job.Trace, 1)
	assert.Equal(t, uint64(0xA000), job.Trace[0])
}

func Test_DecodeJob_TwoTIPs_SecondFlushedAtEnd(t *testing.T) {
	addrs := addrmap.New()
	addrs.Insert(0x1000, 0xA000)
	addrs.Insert(0x2000, 0xB000)

	var data []byte
	data = append(data, psbPattern...)
	data = append(data, fullIPTIP(tipPGEOpcode, 0x1000)...)
	data = append(data, fullIPTIP(tipPGEOpcode, 0x2000)...)

	job := NewJob(0, 0)
	DecodeJob(data, job, addrs)

	if diff := cmp.Diff([]uint64{0xA000, 0xB000}, job.Trace); diff != "" {
		t.Errorf("decoded trace mismatch (-want +got):\n%s", diff)
	}
}

func Test_DecodeJob_UnmappedIP_NotLogged(t *testing.T) {
	addrs := addrmap.New() // empty: every lookup misses

	var data []byte
	data = append(data, psbPattern...)
	data = append(data, fullIPTIP(tipPGEOpcode, 0x1000)...)
	data = append(data, fullIPTIP(tipPGEOpcode, 0x2000)...)

	job := NewJob(0, 0)
	DecodeJob(data, job, addrs)

	assert.Empty(t, job.Trace)
}

// Test_DecodeJob_FUPPGDRetractionAvoidsDuplicate exercises handleTIP's
// retraction branch: an FUP packet that rebinds to an already-current,
// already-mapped IP via a following PGD must not cause that block to be
// logged twice.
func Test_DecodeJob_FUPPGDRetractionAvoidsDuplicate(t *testing.T) {
	addrs := addrmap.New()
	addrs.Insert(0x1000, 0xA000)
	addrs.Insert(0x2000, 0xB000)

	var data []byte
	data = append(data, psbPattern...)
	data = append(data, fullIPTIP(tipPGEOpcode, 0x1000)...) // logs pcA pending
	data = append(data, fullIPTIP(tipPGEOpcode, 0x2000)...) // flushes pcA, pcB pending
	data = append(data, fullIPTIP(tipFUPOpcode, 0x2000)...) // unbound FUP, frozen
	data = append(data, fullIPTIP(tipPGDOpcode, 0x2000)...) // binds, retracts pending pcB

	job := NewJob(0, 0)
	DecodeJob(data, job, addrs)

	if diff := cmp.Diff([]uint64{0xA000, 0xB000}, job.Trace); diff != "" {
		t.Errorf("decoded trace mismatch (-want +got):\n%s", diff)
	}
}

// Test_DecodeJob_StopsAtJobEnd_OverlapNotDuplicated exercises §4.D rule 1
// ("PSB ... if the stream offset passes the job's end, finish") together
// with the preamble overlap stagingring.Ring.NextJob leaves trailing every
// non-final job's buffer. data here carries a whole second PSB-framed
// segment past job's own EndOffset-StartOffset span, standing in for that
// overlap. The decoder must stop at the second segment's PSB instead of
// decoding on through it -- otherwise the following job, which resyncs on
// that same PSB, would log the same guest PCs a second time.
func Test_DecodeJob_StopsAtJobEnd_OverlapNotDuplicated(t *testing.T) {
	addrs := addrmap.New()
	addrs.Insert(0x1000, 0xA000)
	addrs.Insert(0x2000, 0xB000)
	addrs.Insert(0x3000, 0xC000)
	addrs.Insert(0x4000, 0xD000)

	var segment1 []byte
	segment1 = append(segment1, psbPattern...)
	segment1 = append(segment1, fullIPTIP(tipPGEOpcode, 0x1000)...)
	segment1 = append(segment1, fullIPTIP(tipPGEOpcode, 0x2000)...)

	var segment2 []byte
	segment2 = append(segment2, psbPattern...)
	segment2 = append(segment2, fullIPTIP(tipPGEOpcode, 0x3000)...)
	segment2 = append(segment2, fullIPTIP(tipPGEOpcode, 0x4000)...)

	// The buffer handed to the worker carries job 1's own bytes (segment1)
	// plus the following job's leading preamble overlap (all of segment2,
	// here, to make the resync point unambiguous); job.EndOffset only
	// covers segment1.
	data := append(append([]byte{}, segment1...), segment2...)

	job := NewJob(0, uint64(len(segment1)))
	DecodeJob(data, job, addrs)

	if diff := cmp.Diff([]uint64{0xA000, 0xB000}, job.Trace); diff != "" {
		t.Errorf("decoded trace mismatch (-want +got):\n%s", diff)
	}
}

func Test_DecodeJob_TrailingGarbageBytesSkipped(t *testing.T) {
	addrs := addrmap.New()
	addrs.Insert(0x1000, 0xA000)
	addrs.Insert(0x2000, 0xB000)

	var data []byte
	data = append(data, 0xFF, 0xFF, 0xFF) // pre-sync noise
	data = append(data, psbPattern...)
	data = append(data, fullIPTIP(tipPGEOpcode, 0x1000)...)
	data = append(data, 0x00) // one byte that matches no recognizer, advances Unknown
	data = append(data, fullIPTIP(tipPGEOpcode, 0x2000)...)

	job := NewJob(0, 0)
	DecodeJob(data, job, addrs)

	if diff := cmp.Diff([]uint64{0xA000, 0xB000}, job.Trace); diff != "" {
		t.Errorf("decoded trace mismatch (-want +got):\n%s", diff)
	}
}
