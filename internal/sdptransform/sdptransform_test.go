package sdptransform

import (
	"reflect"
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
)

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var offerBody = crlf(
	"v=0",
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0 1",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=rtpmap:111 opus/48000/2",
	"a=fmtp:111 minptime=10;useinbandfec=1",
	"a=rtpmap:0 PCMU/8000",
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97 98",
	"c=IN IP4 0.0.0.0",
	"a=mid:1",
	"a=rtpmap:96 H264/90000",
	"a=rtpmap:97 VP8/90000",
	"a=rtpmap:98 VP9/90000",
)

// parse unmarshals body with pion/sdp so the tests also prove the output
// is still a well-formed session description.
func parse(t *testing.T, body string) *sdp.SessionDescription {
	t.Helper()
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(body)); err != nil {
		t.Fatalf("transformed SDP no longer parses: %v\n%s", err, body)
	}
	return &sd
}

func formats(t *testing.T, sd *sdp.SessionDescription, media string) []string {
	t.Helper()
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == media {
			return md.MediaName.Formats
		}
	}
	t.Fatalf("no %s media section", media)
	return nil
}

func fmtpLines(t *testing.T, sd *sdp.SessionDescription, media string) []string {
	t.Helper()
	var out []string
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != media {
			continue
		}
		for _, a := range md.Attributes {
			if a.Key == "fmtp" {
				out = append(out, a.Value)
			}
		}
	}
	return out
}

// TestPreferCodecVideo moves VP8 (payload 97) ahead of 96 on the m=video line.
func TestPreferCodecVideo(t *testing.T) {
	got := PreferCodec(offerBody, "VP8", false)

	if !strings.Contains(got, "m=video 9 UDP/TLS/RTP/SAVPF 97 96 98\r\n") {
		t.Fatalf("m=video line not rewritten:\n%s", got)
	}

	sd := parse(t, got)
	if f := formats(t, sd, "video"); !reflect.DeepEqual(f, []string{"97", "96", "98"}) {
		t.Errorf("video formats = %v, want [97 96 98]", f)
	}
	if f := formats(t, sd, "audio"); !reflect.DeepEqual(f, []string{"111", "0"}) {
		t.Errorf("audio formats changed: %v", f)
	}

	// Only the m=video line differs.
	before, _ := splitLines(offerBody)
	after, _ := splitLines(got)
	if len(before) != len(after) {
		t.Fatalf("line count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] && !strings.HasPrefix(before[i], "m=video ") {
			t.Errorf("unrelated line %d changed: %q -> %q", i, before[i], after[i])
		}
	}
}

// TestPreferCodecIdempotent applies the transform twice.
func TestPreferCodecIdempotent(t *testing.T) {
	once := PreferCodec(offerBody, "VP8", false)
	twice := PreferCodec(once, "VP8", false)
	if once != twice {
		t.Errorf("PreferCodec is not idempotent:\n once  %q\n twice %q", once, twice)
	}
}

// TestPreferCodecAudio reorders the audio line.
func TestPreferCodecAudio(t *testing.T) {
	got := PreferCodec(offerBody, "PCMU", true)
	if f := formats(t, parse(t, got), "audio"); !reflect.DeepEqual(f, []string{"0", "111"}) {
		t.Errorf("audio formats = %v, want [0 111]", f)
	}
}

// TestPreferCodecUnchanged covers the inputs that must pass through untouched.
func TestPreferCodecUnchanged(t *testing.T) {
	audioOnly := crlf(
		"v=0",
		"o=- 1 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"a=rtpmap:111 opus/48000/2",
	)
	malformed := crlf(
		"v=0",
		"m=video 9 UDP/TLS/RTP/SAVPF",
		"a=rtpmap:97 VP8/90000",
	)

	testCases := []struct {
		name  string
		body  string
		codec string
		audio bool
	}{
		{name: "no matching media line", body: audioOnly, codec: "VP8", audio: false},
		{name: "no payload types for codec", body: offerBody, codec: "AV1", audio: false},
		{name: "codec name is not a prefix match", body: offerBody, codec: "VP", audio: false},
		{name: "media line without payload types", body: malformed, codec: "VP8", audio: false},
		{name: "empty body", body: "", codec: "VP8", audio: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PreferCodec(tc.body, tc.codec, tc.audio); got != tc.body {
				t.Errorf("expected unchanged body, got:\n%q", got)
			}
		})
	}
}

// TestPreferCodecPreservesMissingTrailingDelimiter keeps the body's ending.
func TestPreferCodecPreservesMissingTrailingDelimiter(t *testing.T) {
	body := strings.TrimSuffix(offerBody, "\r\n")
	got := PreferCodec(body, "VP8", false)
	if strings.HasSuffix(got, "\r\n") {
		t.Errorf("trailing delimiter was added")
	}
	if !strings.Contains(got, "m=video 9 UDP/TLS/RTP/SAVPF 97 96 98") {
		t.Errorf("m=video line not rewritten:\n%s", got)
	}
}

// TestSetStartBitrateAppendsToExistingFmtp extends the opus fmtp line.
func TestSetStartBitrateAppendsToExistingFmtp(t *testing.T) {
	got := SetStartBitrate("opus", false, offerBody, 32)

	want := "a=fmtp:111 minptime=10;useinbandfec=1;maxaveragebitrate=32000\r\n"
	if !strings.Contains(got, want) {
		t.Fatalf("fmtp line not extended:\n%s", got)
	}
	if n := strings.Count(got, "a=fmtp:111"); n != 1 {
		t.Errorf("expected exactly one fmtp line for 111, got %d", n)
	}
	if l := fmtpLines(t, parse(t, got), "audio"); len(l) != 1 {
		t.Errorf("audio fmtp attributes = %v", l)
	}
}

// TestSetStartBitrateInsertsFmtp adds a new line right after the rtpmap.
func TestSetStartBitrateInsertsFmtp(t *testing.T) {
	got := SetStartBitrate("VP8", true, offerBody, 800)

	if !strings.Contains(got, "a=rtpmap:97 VP8/90000\r\na=fmtp:97 x-google-start-bitrate=800\r\na=rtpmap:98 VP9/90000\r\n") {
		t.Fatalf("fmtp line not inserted after rtpmap:\n%s", got)
	}
	if l := fmtpLines(t, parse(t, got), "video"); !reflect.DeepEqual(l, []string{"97 x-google-start-bitrate=800"}) {
		t.Errorf("video fmtp attributes = %v", l)
	}
}

// TestSetStartBitrateAudioInsert converts kbps to bps for audio codecs.
func TestSetStartBitrateAudioInsert(t *testing.T) {
	body := strings.Replace(offerBody, "a=fmtp:111 minptime=10;useinbandfec=1\r\n", "", 1)
	got := SetStartBitrate("opus", false, body, 32)
	if !strings.Contains(got, "a=rtpmap:111 opus/48000/2\r\na=fmtp:111 maxaveragebitrate=32000\r\n") {
		t.Fatalf("audio fmtp line not inserted:\n%s", got)
	}
}

// TestSetStartBitrateRepeated documents that repeated calls accumulate
// parameters; the first call inserts and later calls append.
func TestSetStartBitrateRepeated(t *testing.T) {
	once := SetStartBitrate("VP8", true, offerBody, 800)
	twice := SetStartBitrate("VP8", true, once, 800)

	if once == twice {
		t.Fatalf("expected second call to append again")
	}
	if !strings.Contains(twice, "a=fmtp:97 x-google-start-bitrate=800;x-google-start-bitrate=800\r\n") {
		t.Errorf("unexpected second-call result:\n%s", twice)
	}
}

// TestSetStartBitrateUnknownCodec leaves the body untouched.
func TestSetStartBitrateUnknownCodec(t *testing.T) {
	if got := SetStartBitrate("AV1", true, offerBody, 800); got != offerBody {
		t.Errorf("expected unchanged body, got:\n%s", got)
	}
}

// TestTransformsKeepBlankTrailingLines keeps every delimiter at the end of
// the body, not just the last one.
func TestTransformsKeepBlankTrailingLines(t *testing.T) {
	body := offerBody + "\r\n"

	preferred := PreferCodec(body, "VP8", false)
	if !strings.HasSuffix(preferred, "a=rtpmap:98 VP9/90000\r\n\r\n") {
		t.Errorf("PreferCodec lost the blank trailing line: %q", preferred[len(preferred)-30:])
	}
	if !strings.Contains(preferred, "m=video 9 UDP/TLS/RTP/SAVPF 97 96 98\r\n") {
		t.Errorf("m=video line not rewritten:\n%s", preferred)
	}

	bitrate := SetStartBitrate("opus", false, body, 32)
	if !strings.HasSuffix(bitrate, "a=rtpmap:98 VP9/90000\r\n\r\n") {
		t.Errorf("SetStartBitrate lost the blank trailing line: %q", bitrate[len(bitrate)-30:])
	}

	if got := joinLines(splitLines(body)); got != body {
		t.Errorf("split/join round trip = %q, want %q", got, body)
	}
}
