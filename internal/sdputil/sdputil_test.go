package sdputil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const offer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=ice-options:trickle\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=ice-ufrag:uf\r\n" +
	"a=ice-pwd:pw\r\n" +
	"a=fingerprint:sha-256 AA:BB\r\n" +
	"a=candidate:1 1 udp 2113937151 192.0.2.1 5000 typ host\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=extmap:3 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01\r\n" +
	"a=ssrc-group:SIM 111111 222222 333333\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n"

func TestCounts(t *testing.T) {
	sd, err := Parse(offer)
	require.NoError(t, err)

	audio, video, data := Counts(sd)
	require.Equal(t, 1, audio)
	require.Equal(t, 1, video)
	require.Equal(t, 1, data)
}

func TestTransportWideCCID(t *testing.T) {
	sd, err := Parse(offer)
	require.NoError(t, err)

	id, ok := TransportWideCCID(sd)
	require.True(t, ok)
	require.Equal(t, 3, id)
}

func TestSimulcast(t *testing.T) {
	sd, err := Parse(offer)
	require.NoError(t, err)

	sim, ok := Simulcast(sd)
	require.True(t, ok)
	require.Equal(t, uint32(111111), sim["ssrc-0"])
	require.Equal(t, uint32(222222), sim["ssrc-1"])
	require.Equal(t, uint32(333333), sim["ssrc-2"])
}

func TestAnonymizeStripsTransportSecrets(t *testing.T) {
	out, err := Anonymize(offer)
	require.NoError(t, err)

	require.NotContains(t, out, "ice-ufrag")
	require.NotContains(t, out, "ice-pwd")
	require.NotContains(t, out, "ice-options")
	require.NotContains(t, out, "fingerprint")
	require.NotContains(t, out, "candidate:")
	// Media structure survives.
	require.Contains(t, out, "m=audio")
	require.Contains(t, out, "m=video")
	require.Contains(t, out, "rtpmap:111 opus")
}

func TestMergeLocalInjectsTransport(t *testing.T) {
	stripped, err := Anonymize(offer)
	require.NoError(t, err)

	out, err := MergeLocal(stripped, LocalTransport{
		ICEUfrag:    "localuf",
		ICEPwd:      "localpw",
		Fingerprint: "sha-256 CC:DD",
		Candidates:  []string{"9 1 udp 1 198.51.100.1 9999 typ host"},
	})
	require.NoError(t, err)

	require.Contains(t, out, "a=ice-ufrag:localuf")
	require.Contains(t, out, "a=ice-pwd:localpw")
	require.Contains(t, out, "a=fingerprint:sha-256 CC:DD")
	require.Contains(t, out, "a=candidate:9 1 udp")
	require.Contains(t, out, "a=end-of-candidates")

	// Every m-line carries the credentials.
	require.Equal(t, 3, strings.Count(out, "a=ice-ufrag:localuf"))
}

func TestMergeLocalWithoutCandidates(t *testing.T) {
	stripped, err := Anonymize(offer)
	require.NoError(t, err)

	out, err := MergeLocal(stripped, LocalTransport{ICEUfrag: "u", ICEPwd: "p"})
	require.NoError(t, err)
	require.NotContains(t, out, "a=end-of-candidates")
}

func TestHasRTXAndEnsureRTX(t *testing.T) {
	sd, err := Parse(offer)
	require.NoError(t, err)
	require.False(t, HasRTX(sd))

	out, err := EnsureRTX(offer)
	require.NoError(t, err)

	sd2, err := Parse(out)
	require.NoError(t, err)
	require.True(t, HasRTX(sd2))

	// The rtx payload type came from the free dynamic range and points back
	// at VP8's payload type.
	require.Contains(t, out, "a=fmtp:97 apt=96")
	require.Contains(t, out, "a=rtpmap:97 rtx/90000")
}

func TestFreeRTXPayloadTypesSkipTaken(t *testing.T) {
	sd, err := Parse(offer)
	require.NoError(t, err)

	free := FreeRTXPayloadTypes(sd, 3)
	require.Len(t, free, 3)
	for _, pt := range free {
		require.NotEqual(t, 96, pt)
		require.NotEqual(t, 111, pt)
		require.GreaterOrEqual(t, pt, 96)
		require.LessOrEqual(t, pt, 127)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not an sdp")
	require.Error(t, err)
}
