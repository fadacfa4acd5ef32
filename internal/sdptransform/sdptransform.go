// Package sdptransform rewrites specific attribute lines of an SDP body
// before it is committed to a peer session. The functions are pure and
// line-oriented: they never parse the full SDP grammar and never reorder
// lines they do not touch.
package sdptransform

import (
	"regexp"
	"strconv"
	"strings"
)

const lineSep = "\r\n"

// Codec parameters appended to a=fmtp lines.
const (
	VideoStartBitrateParam = "x-google-start-bitrate"
	AudioMaxBitrateParam   = "maxaveragebitrate"
)

// splitLines splits body on CRLF. The returned flag reports whether body
// ended with a delimiter, so join can restore it. Only that final delimiter
// is dropped; blank lines before it are kept.
func splitLines(body string) ([]string, bool) {
	lines := strings.Split(body, lineSep)
	if n := len(lines); n > 1 && lines[n-1] == "" {
		return lines[:n-1], true
	}
	return lines, false
}

func joinLines(lines []string, trailing bool) string {
	out := strings.Join(lines, lineSep)
	if trailing && len(lines) > 0 {
		out += lineSep
	}
	return out
}

// rtpmapPattern matches a=rtpmap:<payload type> <codec>/<clock rate>[/<params>].
func rtpmapPattern(codec string) *regexp.Regexp {
	return regexp.MustCompile(`^a=rtpmap:(\d+) ` + regexp.QuoteMeta(codec) + `(/\d+)+\r?$`)
}

// PreferCodec moves every payload type mapped to codec to the front of the
// first audio (audio=true) or video media description line. The m= header
// (media, port, proto) and the relative order of the other payload types are
// kept. The body is returned unchanged when there is no matching media line
// or no payload type for codec.
func PreferCodec(body, codec string, audio bool) string {
	lines, trailing := splitLines(body)

	mLine := findMediaDescriptionLine(lines, audio)
	if mLine == -1 {
		return body
	}

	pattern := rtpmapPattern(codec)
	var preferred []string
	seen := make(map[string]bool)
	for _, line := range lines {
		if m := pattern.FindStringSubmatch(line); m != nil && !seen[m[1]] {
			seen[m[1]] = true
			preferred = append(preferred, m[1])
		}
	}
	if len(preferred) == 0 {
		return body
	}

	rewritten, ok := movePayloadTypesToFront(preferred, lines[mLine])
	if !ok {
		return body
	}
	lines[mLine] = rewritten
	return joinLines(lines, trailing)
}

// SetStartBitrate sets the starting bitrate for codec. If an a=fmtp line
// already exists for the codec's payload type the parameter is appended to
// it; otherwise a new a=fmtp line is inserted right after the a=rtpmap line.
// Video codecs get x-google-start-bitrate in kbps, audio codecs get
// maxaveragebitrate in bps.
//
// Calling it twice on a body that had no a=fmtp line for codec inserts one
// line and then appends to it, so repeated calls accumulate parameters.
func SetStartBitrate(codec string, video bool, body string, bitrateKbps int) string {
	lines, trailing := splitLines(body)

	pattern := rtpmapPattern(codec)
	rtpmapLine := -1
	payloadType := ""
	for i, line := range lines {
		if m := pattern.FindStringSubmatch(line); m != nil {
			rtpmapLine = i
			payloadType = m[1]
			break
		}
	}
	if rtpmapLine == -1 {
		return body
	}

	param := bitrateParam(video, bitrateKbps)

	fmtp := regexp.MustCompile(`^a=fmtp:` + payloadType + ` \S+`)
	for i, line := range lines {
		if fmtp.MatchString(line) {
			lines[i] = strings.TrimSuffix(line, "\r") + ";" + param
			return joinLines(lines, trailing)
		}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:rtpmapLine+1]...)
	out = append(out, "a=fmtp:"+payloadType+" "+param)
	out = append(out, lines[rtpmapLine+1:]...)
	return joinLines(out, trailing)
}

func bitrateParam(video bool, bitrateKbps int) string {
	if video {
		return VideoStartBitrateParam + "=" + strconv.Itoa(bitrateKbps)
	}
	return AudioMaxBitrateParam + "=" + strconv.Itoa(bitrateKbps*1000)
}

// movePayloadTypesToFront rewrites m=<media> <port> <proto> <fmt> ... with
// preferred first. It reports false for a malformed media line.
func movePayloadTypesToFront(preferred []string, mLine string) (string, bool) {
	parts := strings.Split(mLine, " ")
	if len(parts) <= 3 {
		return "", false
	}

	isPreferred := make(map[string]bool, len(preferred))
	for _, pt := range preferred {
		isPreferred[pt] = true
	}

	out := make([]string, 0, len(parts)+len(preferred))
	out = append(out, parts[:3]...)
	out = append(out, preferred...)
	for _, pt := range parts[3:] {
		if !isPreferred[pt] {
			out = append(out, pt)
		}
	}
	return strings.Join(out, " "), true
}

func findMediaDescriptionLine(lines []string, audio bool) int {
	prefix := "m=video "
	if audio {
		prefix = "m=audio "
	}
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}
	return -1
}
