package cmdport

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jvbridge/camctl/internal/model"
)

var (
	reTallyQueryOne = regexp.MustCompile(`^TALLY\.(PGM|PVW):(\d+)\?$`)
	reTallyWrite    = regexp.MustCompile(`^TALLY\.(PGM|PVW):(\d+)=([01])$`)
	reUpdateTime    = regexp.MustCompile(`^UPDATE\.TIME=(\d+)$`)
	reUpdateUnsol   = regexp.MustCompile(`^UPDATE\.UNSOLICITED=([01])$`)
)

// extractFrame pulls the content between the first '<' and the next '>'
// on a line, discarding anything outside the brackets, matching
// original_source's iter_messages scan-and-discard behavior.
func extractFrame(line string) (string, bool) {
	start := strings.IndexByte(line, '<')
	if start == -1 {
		return "", false
	}
	end := strings.IndexByte(line[start+1:], '>')
	if end == -1 {
		return "", false
	}
	return line[start+1 : start+1+end], true
}

func boolChar(on bool) byte {
	if on {
		return '1'
	}
	return '0'
}

// handleFrame implements the §6 grammar: the frame is matched against
// keywords in order and the first match wins. An unrecognized frame is
// silently discarded, per the "design concession to the upstream
// controller" the spec calls out.
func (s *Server) handleFrame(frame string) []string {
	switch {
	case frame == "PING?":
		return []string{"PONG"}

	case frame == "TALLY.PGM?":
		return s.dumpVector(true)

	case frame == "TALLY.PVW?":
		return s.dumpVector(false)

	case reTallyQueryOne.MatchString(frame):
		m := reTallyQueryOne.FindStringSubmatch(frame)
		idx, _ := strconv.Atoi(m[2])
		on := s.readOne(m[1], idx)
		return []string{fmt.Sprintf("TALLY.%s:%d=%c", m[1], idx, boolChar(on))}

	case reTallyWrite.MatchString(frame):
		m := reTallyWrite.FindStringSubmatch(frame)
		idx, _ := strconv.Atoi(m[2])
		on := m[3] == "1"
		s.applyWrite(m[1], idx, on)
		return nil

	case reUpdateTime.MatchString(frame):
		m := reUpdateTime.FindStringSubmatch(frame)
		ms, _ := strconv.Atoi(m[1])
		s.setUpdateInterval(ms)
		return []string{fmt.Sprintf("UPDATE.TIME=%d", ms)}

	case reUpdateUnsol.MatchString(frame):
		m := reUpdateUnsol.FindStringSubmatch(frame)
		on := m[1] == "1"
		s.setUnsolicited(on)
		return []string{fmt.Sprintf("UPDATE.UNSOLICITED=%c", boolChar(on))}

	default:
		return nil
	}
}

func (s *Server) dumpVector(program bool) []string {
	pgm, pvw := s.vector.All()
	src := pvw[:]
	tag := "PVW"
	if program {
		src = pgm[:]
		tag = "PGM"
	}
	out := make([]string, len(src))
	for i, on := range src {
		out[i] = fmt.Sprintf("TALLY.%s:%d=%c", tag, i, boolChar(on))
	}
	return out
}

func (s *Server) readOne(tallyType string, idx int) bool {
	if tallyType == "PGM" {
		return s.vector.Program(idx)
	}
	return s.vector.Preview(idx)
}

// applyWrite handles an inbound direct tally write: it updates the local
// vector immediately for query consistency, then forwards to the tally
// router so the write actually reaches the device's parameter model.
func (s *Server) applyWrite(tallyType string, idx int, on bool) {
	deviceIdx := model.DeviceIndex(idx)
	if tallyType == "PGM" {
		s.vector.SetProgram(idx, on)
		if s.onWrite != nil {
			s.onWrite(deviceIdx, &on, nil)
		}
		return
	}
	s.vector.SetPreview(idx, on)
	if s.onWrite != nil {
		s.onWrite(deviceIdx, nil, &on)
	}
}
