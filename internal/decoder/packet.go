// Package decoder turns a raw Intel PT byte stream into an ordered sequence
// of guest program counters.
//
// It is a direct port of parser/pt-parser.c's packet recognizer and TIP state
// machine, restructured around a tagged-union Packet value instead of the
// original's shared mutable pt_packet_t plus boolean-returning parse_*
// functions (see SPEC_FULL.md §9).
package decoder

// PacketKind identifies the kind of Intel PT packet recognized in a byte
// span. Only TIP carries a payload (see TIPData); every other kind is
// recognized for framing purposes and otherwise ignored.
type PacketKind int

const (
	TNT PacketKind = iota
	TIP
	TIPOutOfContext
	PIP
	MODE
	TraceStop
	CBR
	TSC
	MTC
	TMA
	VMCS
	OVF
	CYC
	PSB
	PSBEnd
	MNT
	PAD
	PTW
	EXSTOP
	MWAIT
	PWRE
	PWRX
	BBP
	BIP
	BEP
	CFE
	EVD
	Unknown
)

// TIPType distinguishes the four opcodes that share the TIP packet layout.
type TIPType int

const (
	TIPTip TIPType = iota
	TIPPGE
	TIPPGD
	TIPFUP
)

// TIPData is the payload carried by a TIP-kind packet.
type TIPData struct {
	Type      TIPType
	IPBits    byte // top 3 bits of the opcode byte: the IP compression class
	LastIPUse byte // number of bytes reused from the current IP (0, 2, 4 or 6)
	IP        uint64
}

// Packet is one recognized unit of the Intel PT byte stream.
type Packet struct {
	Kind PacketKind
	TIP  TIPData
}

// Byte-level framing constants. The exact PSB, PSBEND, PIP and MODE opcode
// bytes are the documented Intel SDM encodings; pt-parser-oppcode.h (the
// original's own #define table) was not available to copy from verbatim.
const (
	escapeByte = 0x02

	psbEndLength = 2
	psbEndOpcode = 0x23

	pipLength  = 8
	pipOpcode  = 0x43

	modeLength = 2
	modeOpcode = 0x99

	tipPacketLength  = 9 // opcode byte + up to 8 IP bytes
	tipOpcodeBits    = 5

	tipBaseOpcode = 0x0D
	tipPGEOpcode  = 0x11
	tipPGDOpcode  = 0x01
	tipFUPOpcode  = 0x1D
)

// psbPattern is the 16-byte PSB synchronization pattern: eight repetitions of
// the two-byte sequence 02 82.
var psbPattern = []byte{
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
}

func hasPrefix(data []byte, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}

// parsePSB recognizes the 16-byte PSB pattern at the start of data.
func parsePSB(data []byte) (Packet, int, bool) {
	if !hasPrefix(data, psbPattern) {
		return Packet{}, 0, false
	}
	return Packet{Kind: PSB}, len(psbPattern), true
}

// parsePSBEnd recognizes the two-byte PSBEND opcode.
func parsePSBEnd(data []byte) (Packet, int, bool) {
	if len(data) < psbEndLength || data[0] != escapeByte || data[1] != psbEndOpcode {
		return Packet{}, 0, false
	}
	return Packet{Kind: PSBEnd}, psbEndLength, true
}

// parsePIP recognizes the eight-byte PIP opcode.
func parsePIP(data []byte) (Packet, int, bool) {
	if len(data) < pipLength || data[0] != escapeByte || data[1] != pipOpcode {
		return Packet{}, 0, false
	}
	return Packet{Kind: PIP}, pipLength, true
}

// parseMode recognizes the two-byte MODE opcode. The original distinguishes
// MODE.Exec from MODE.TSX by a payload bit; this decoder does not need that
// distinction and treats both uniformly, matching pt-parser.c's own
// "Todo: Parse the two different types of mode".
func parseMode(data []byte) (Packet, int, bool) {
	if len(data) < modeLength || data[0] != modeOpcode {
		return Packet{}, 0, false
	}
	return Packet{Kind: MODE}, modeLength, true
}

func tipType(opcode byte) (TIPType, bool) {
	switch opcode {
	case tipBaseOpcode:
		return TIPTip, true
	case tipPGEOpcode:
		return TIPPGE, true
	case tipPGDOpcode:
		return TIPPGD, true
	case tipFUPOpcode:
		return TIPFUP, true
	default:
		return 0, false
	}
}

// tipLastIPUse maps the three-bit IP compression class to the number of
// bytes reused from the running current IP. Class 0b011 is reserved in the
// original (parse_tip_ip_use returns false there, same as here) and 0b000
// ("out of context", no IP at all) is handled by the caller before this is
// reached.
func tipLastIPUse(ipBits byte) (byte, bool) {
	switch ipBits {
	case 0b001:
		return 6, true
	case 0b010:
		return 4, true
	case 0b100:
		return 2, true
	case 0b110:
		return 0, true
	default:
		return 0, false
	}
}

// parseTIP recognizes a TIP/TIP.PGE/TIP.PGD/FUP packet and reconstructs its
// IP using currentIP as the source of any reused high-order bytes.
func parseTIP(data []byte, currentIP uint64) (Packet, int, bool) {
	if len(data) < 1 {
		return Packet{}, 0, false
	}

	typ, ok := tipType(data[0] & ((1 << tipOpcodeBits) - 1))
	if !ok {
		return Packet{}, 0, false
	}

	ipBits := data[0] >> 5
	if ipBits == 0b000 {
		return Packet{Kind: TIPOutOfContext, TIP: TIPData{Type: typ}}, 1, true
	}

	lastIPUse, ok := tipLastIPUse(ipBits)
	if !ok {
		return Packet{}, 0, false
	}

	if len(data) < tipPacketLength-int(lastIPUse) {
		return Packet{}, 0, false
	}

	ip := currentIP
	for i := 0; i < 8; i++ {
		var b byte
		if byte(i) >= lastIPUse {
			b = data[8-i]
		} else {
			b = byte(currentIP >> ((7 - i) * 8))
		}
		ip = (ip << 8) | uint64(b)
	}

	return Packet{Kind: TIP, TIP: TIPData{
		Type:      typ,
		IPBits:    ipBits,
		LastIPUse: lastIPUse,
		IP:        ip,
	}}, tipPacketLength - int(lastIPUse), true
}
