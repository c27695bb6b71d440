package decoder

import "github.com/iptcol/iptcol/internal/addrmap"

// DecodeJob consumes data (a raw Intel PT byte span) and appends every guest
// PC discovered within it to job.Trace, consulting addrs to translate host
// IPs into guest PCs.
//
// data typically carries job.EndOffset-job.StartOffset bytes of the job's
// own span plus a trailing preamble overlap shared with the next job (see
// stagingring.Ring.NextJob). That overlap exists only so the next job can
// resynchronize on a PSB marker; at the first PSB packet that ends past the
// job's own end, the decoder stops, per pt-parser.c's mapping_parse
// ("if (state.offset > state.end_offset) break") -- otherwise the overlap's
// PSB-framed segment would be decoded twice, once by this job and once by
// the next. Packets between the job's end and that PSB are still decoded.
//
// DecodeJob is safe to call concurrently from multiple goroutines as long as
// each is given a disjoint job and data slice; all mutable state lives on
// the stack.
func DecodeJob(data []byte, job *Job, addrs *addrmap.Map) {
	s := &state{addrs: addrs, job: job}

	jobLen := int(job.EndOffset - job.StartOffset)

	pos := advanceToFirstPSB(data)
	if pos < 0 {
		return
	}
	s.inPSB = true

	for pos < len(data) {
		p, n, ok := nextPacket(data[pos:], s.lastParsedTIPIP)
		if !ok {
			break
		}
		pos += n

		if p.Kind == PSB && pos > jobLen {
			break
		}

		switch p.Kind {
		case PSB:
			s.inPSB = true
		case PSBEnd:
			s.inPSB = false
		case TIP:
			s.lastParsedTIPIP = p.TIP.IP
			s.handleTIP(p.TIP)
		}

		wasMode := p.Kind == MODE
		wasOVF := p.Kind == OVF
		s.lastWasMode = wasMode
		s.lastWasOVF = wasOVF
	}

	if s.previousGuestIP != 0 {
		job.Trace = append(job.Trace, s.previousGuestIP)
	}
}

// advanceToFirstPSB scans data for the first PSB pattern and returns the
// offset just past it, or -1 if none is found.
func advanceToFirstPSB(data []byte) int {
	for i := 0; i+len(psbPattern) <= len(data); i++ {
		if hasPrefix(data[i:], psbPattern) {
			return i + len(psbPattern)
		}
	}
	return -1
}

// nextPacket tries each packet recognizer in priority order, falling back to
// a one-byte Unknown advance so the decoder always makes progress.
func nextPacket(data []byte, currentIP uint64) (Packet, int, bool) {
	if len(data) == 0 {
		return Packet{}, 0, false
	}

	if p, n, ok := parsePSB(data); ok {
		return p, n, true
	}
	if p, n, ok := parsePSBEnd(data); ok {
		return p, n, true
	}
	if p, n, ok := parseTIP(data, currentIP); ok {
		return p, n, true
	}
	if p, n, ok := parsePIP(data); ok {
		return p, n, true
	}
	if p, n, ok := parseMode(data); ok {
		return p, n, true
	}

	return Packet{Kind: Unknown}, 1, true
}
