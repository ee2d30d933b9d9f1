package strait

import (
	"fmt"
	"strings"
)

// ValidateSDP applies the payload-safety checks for offer/answer SDP:
// non-empty, at most MaxSDPBytes, a `v=0` version line first, and no
// bytes outside printable ASCII plus CR/LF.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("sdp is empty")
	}
	if len(sdp) > MaxSDPBytes {
		return fmt.Errorf("sdp exceeds %d bytes: %d", MaxSDPBytes, len(sdp))
	}
	if !strings.HasPrefix(sdp, "v=0\r\n") && !strings.HasPrefix(sdp, "v=0\n") {
		return fmt.Errorf("sdp does not start with a v=0 line")
	}
	for i := 0; i < len(sdp); i++ {
		b := sdp[i]
		if b == '\r' || b == '\n' {
			continue
		}
		if b < 0x20 || b > 0x7e {
			return fmt.Errorf("sdp contains non-printable byte 0x%02x at offset %d", b, i)
		}
	}
	return nil
}

// ValidateCandidate applies the payload-safety checks for ICE candidates:
// non-empty, at most MaxCandidateBytes, a `candidate:` prefix, and
// printable ASCII only.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return fmt.Errorf("candidate is empty")
	}
	if len(candidate) > MaxCandidateBytes {
		return fmt.Errorf("candidate exceeds %d bytes: %d", MaxCandidateBytes, len(candidate))
	}
	if !strings.HasPrefix(candidate, "candidate:") {
		return fmt.Errorf("candidate does not start with candidate:")
	}
	for i := 0; i < len(candidate); i++ {
		b := candidate[i]
		if b < 0x20 || b > 0x7e {
			return fmt.Errorf("candidate contains non-printable byte 0x%02x at offset %d", b, i)
		}
	}
	return nil
}
