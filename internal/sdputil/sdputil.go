// Package sdputil wraps the SDP parsing the signaling core needs around
// offer/answer processing: classifying media lines before a plugin sees the
// message, stripping transport-level secrets before storing or forwarding an
// SDP, and merging gateway-owned lines into plugin-produced descriptions.
//
// The actual negotiation of transports lives with the ICE collaborator; this
// package never mutates connection state.
package sdputil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

const transportWideCCURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"

// Parse unmarshals a raw SDP blob.
func Parse(raw string) (*sdp.SessionDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	return &sd, nil
}

// Marshal renders a session description back to its wire form.
func Marshal(sd *sdp.SessionDescription) (string, error) {
	b, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(b), nil
}

// Counts reports how many audio, video and application (data channel) m-lines
// the description carries. The gateway negotiates only the first of each kind
// and warns about the rest.
func Counts(sd *sdp.SessionDescription) (audio, video, data int) {
	for _, m := range sd.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			audio++
		case "video":
			video++
		case "application":
			data++
		}
	}
	return audio, video, data
}

// TransportWideCCID scans the extmap attributes for the transport-wide
// congestion control extension and returns its id.
func TransportWideCCID(sd *sdp.SessionDescription) (int, bool) {
	for _, m := range sd.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key != "extmap" {
				continue
			}
			fields := strings.Fields(a.Value)
			if len(fields) < 2 || fields[1] != transportWideCCURI {
				continue
			}
			idPart, _, _ := strings.Cut(fields[0], "/")
			id, err := strconv.Atoi(idPart)
			if err != nil {
				continue
			}
			return id, true
		}
	}
	return 0, false
}

// Simulcast extracts the {ssrc-0, ssrc-1, ssrc-2?} descriptor from the first
// video m-line's SIM ssrc-group, when present.
func Simulcast(sd *sdp.SessionDescription) (map[string]uint32, bool) {
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}
		for _, a := range m.Attributes {
			if a.Key != "ssrc-group" || !strings.HasPrefix(a.Value, "SIM ") {
				continue
			}
			fields := strings.Fields(strings.TrimPrefix(a.Value, "SIM "))
			if len(fields) < 2 {
				return nil, false
			}
			out := make(map[string]uint32, len(fields))
			for i, f := range fields {
				if i > 2 {
					break
				}
				ssrc, err := strconv.ParseUint(f, 10, 32)
				if err != nil {
					return nil, false
				}
				out[fmt.Sprintf("ssrc-%d", i)] = uint32(ssrc)
			}
			return out, true
		}
		// Only the first video m-line is negotiated.
		break
	}
	return nil, false
}

// HasRTX reports whether any video m-line negotiates rtx (RFC 4588).
func HasRTX(sd *sdp.SessionDescription) bool {
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}
		for _, a := range m.Attributes {
			if a.Key == "rtpmap" && strings.Contains(a.Value, " rtx/") {
				return true
			}
		}
	}
	return false
}

var strippedAttributes = map[string]struct{}{
	"candidate":       {},
	"end-of-candidates": {},
	"ice-ufrag":       {},
	"ice-pwd":         {},
	"ice-options":     {},
	"fingerprint":     {},
}

// Anonymize returns a copy of raw with candidates, ICE credentials and DTLS
// fingerprints removed. The stripped form is what gets stored on the handle
// and forwarded to plugins.
func Anonymize(raw string) (string, error) {
	sd, err := Parse(raw)
	if err != nil {
		return "", err
	}

	keep := func(attrs []sdp.Attribute) []sdp.Attribute {
		out := attrs[:0]
		for _, a := range attrs {
			if _, strip := strippedAttributes[a.Key]; strip {
				continue
			}
			out = append(out, a)
		}
		return out
	}

	sd.Attributes = keep(sd.Attributes)
	for _, m := range sd.MediaDescriptions {
		m.Attributes = keep(m.Attributes)
	}
	return Marshal(sd)
}

// LocalTransport is the gateway-owned transport state merged into every local
// SDP before it leaves the process.
type LocalTransport struct {
	ICEUfrag    string
	ICEPwd      string
	Fingerprint string // "<algorithm> <fingerprint>"

	// Candidates are full candidate attribute values (without the "a=" prefix
	// and "candidate:" tag). Empty when full-trickle is on: the client learns
	// them via trickle messages instead.
	Candidates []string
}

// MergeLocal injects the gateway transport lines into a plugin-produced SDP
// and returns the merged wire form. Candidate lines are followed by
// end-of-candidates only when candidates are embedded (half-trickle).
func MergeLocal(raw string, lt LocalTransport) (string, error) {
	sd, err := Parse(raw)
	if err != nil {
		return "", err
	}

	for _, m := range sd.MediaDescriptions {
		attrs := make([]sdp.Attribute, 0, len(m.Attributes)+len(lt.Candidates)+4)
		if lt.ICEUfrag != "" {
			attrs = append(attrs, sdp.Attribute{Key: "ice-ufrag", Value: lt.ICEUfrag})
			attrs = append(attrs, sdp.Attribute{Key: "ice-pwd", Value: lt.ICEPwd})
		}
		if lt.Fingerprint != "" {
			attrs = append(attrs, sdp.Attribute{Key: "fingerprint", Value: lt.Fingerprint})
		}
		attrs = append(attrs, m.Attributes...)
		for _, c := range lt.Candidates {
			attrs = append(attrs, sdp.Attribute{Key: "candidate", Value: c})
		}
		if len(lt.Candidates) > 0 {
			attrs = append(attrs, sdp.Attribute{Key: "end-of-candidates"})
		}
		m.Attributes = attrs
	}
	return Marshal(sd)
}

// EnsureRTX adds an rtx companion (RFC 4588) for every video payload type
// that lacks one, drawing fresh payload types from the free dynamic range.
func EnsureRTX(raw string) (string, error) {
	sd, err := Parse(raw)
	if err != nil {
		return "", err
	}

	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}

		// Map of payload type -> has an apt= pointing at it.
		covered := make(map[string]bool)
		for _, a := range m.Attributes {
			if a.Key != "fmtp" {
				continue
			}
			_, params, ok := strings.Cut(a.Value, " ")
			if !ok {
				continue
			}
			for _, p := range strings.Split(params, ";") {
				if apt, found := strings.CutPrefix(strings.TrimSpace(p), "apt="); found {
					covered[apt] = true
				}
			}
		}

		var missing []string
		for _, a := range m.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			pt, codec, ok := strings.Cut(a.Value, " ")
			if !ok || strings.HasPrefix(codec, "rtx/") {
				continue
			}
			if !covered[pt] {
				missing = append(missing, pt)
			}
		}
		if len(missing) == 0 {
			continue
		}

		free := FreeRTXPayloadTypes(sd, len(missing))
		for i, pt := range missing {
			if i >= len(free) {
				break
			}
			rtxPT := strconv.Itoa(free[i])
			m.MediaName.Formats = append(m.MediaName.Formats, rtxPT)
			m.Attributes = append(m.Attributes,
				sdp.Attribute{Key: "rtpmap", Value: rtxPT + " rtx/90000"},
				sdp.Attribute{Key: "fmtp", Value: rtxPT + " apt=" + pt},
			)
		}
		// Only the first video m-line is negotiated.
		break
	}
	return Marshal(sd)
}

// FreeRTXPayloadTypes picks an unused dynamic payload type in [96..127] for
// each video payload type that needs an rtx companion, scanning the
// description for ids already taken.
func FreeRTXPayloadTypes(sd *sdp.SessionDescription, needed int) []int {
	taken := make(map[int]struct{})
	for _, m := range sd.MediaDescriptions {
		for _, f := range m.MediaName.Formats {
			if pt, err := strconv.Atoi(f); err == nil {
				taken[pt] = struct{}{}
			}
		}
	}

	var out []int
	for pt := 96; pt <= 127 && len(out) < needed; pt++ {
		if _, ok := taken[pt]; ok {
			continue
		}
		out = append(out, pt)
	}
	return out
}
