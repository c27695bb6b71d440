package decoder

import "github.com/iptcol/iptcol/internal/addrmap"

// state is the stack-local decoding state for a single job. It never
// escapes DecodeJob, so it carries no synchronization of its own -- each
// worker goroutine owns one.
type state struct {
	addrs *addrmap.Map
	job   *Job

	currentIP       uint64
	previousGuestIP uint64
	lastTipIP       uint64

	// lastParsedTIPIP is the IP reconstruction seed for the next TIP
	// packet -- updated after every successfully parsed TIP regardless of
	// whether handleTIP actually adopts it as currentIP.
	lastParsedTIPIP uint64

	inPSB  bool
	inFUP  bool

	lastWasMode bool
	lastWasOVF  bool

	lastIPHadMapping bool
}

// handleTIP ports pt-parser.c's handle_tip: a FUP packet not immediately
// following a MODE or OVF is provisionally unbound (inFUP) until a PGE/PGD
// packet binds to it; while unbound, the current IP is frozen.
func (s *state) handleTIP(p TIPData) {
	wasInFUP := false

	if p.Type == TIPFUP && !(s.lastWasMode || s.lastWasOVF) {
		s.inFUP = true
	}

	if (p.Type == TIPPGD || p.Type == TIPPGE) && s.inFUP {
		s.inFUP = false
		wasInFUP = true
	}

	if s.inFUP {
		return
	}

	if wasInFUP && s.lastIPHadMapping &&
		s.lastTipIP == p.IP && s.lastTipIP == s.currentIP {
		// The stream is about to revisit a block it has already logged;
		// drop the pending entry instead of logging it twice.
		s.previousGuestIP = 0
	}

	if s.currentIP == p.IP && s.lastTipIP == s.currentIP &&
		p.Type == TIPFUP && s.inPSB {
		// A PSB refresh of the already-current IP: would log a duplicate.
		return
	}

	s.lastTipIP = p.IP
	s.updateCurrentIP(p.IP)
}

func (s *state) updateCurrentIP(ip uint64) {
	s.currentIP = ip

	guestPC, ok := s.addrs.Lookup(ip)
	if !ok {
		s.lastIPHadMapping = false
		return
	}

	s.lastIPHadMapping = true
	s.logBasicBlock(guestPC)
}

func (s *state) logBasicBlock(guestPC uint64) {
	if s.previousGuestIP == 0 {
		s.previousGuestIP = guestPC
		return
	}

	s.job.Trace = append(s.job.Trace, s.previousGuestIP)
	s.previousGuestIP = guestPC
}
