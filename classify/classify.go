// Package classify sniffs a freshly-accepted TCP flow's first bytes to
// decide whether the guest is speaking TLS or plain HTTP/1.x, without
// consuming the bytes it inspects.
package classify

import (
	"bytes"
)

// Verdict is the result of classifying a flow's buffered prefix.
type Verdict uint8

const (
	// Pending means not enough bytes have arrived yet to decide.
	Pending Verdict = iota
	TLS
	HTTP
	// Rejected means the prefix matched neither rule, or the idle budget
	// elapsed, or the request line was an explicit CONNECT.
	Rejected
)

// MaxSniffBytes is the buffered-prefix budget before a flow is classified
// as Rejected instead of Pending.
const MaxSniffBytes = 2048

var httpMethods = [][]byte{
	[]byte("GET "), []byte("HEAD "), []byte("POST "), []byte("PUT "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "), []byte("TRACE "),
}

// Classify inspects buffered, the bytes read so far from a new flow, and
// idle, whether the classification time budget has elapsed. It never
// consumes buffered; callers replay it into the chosen protocol handler.
func Classify(buffered []byte, idle bool) Verdict {
	if len(buffered) == 0 {
		if idle {
			return Rejected
		}
		return Pending
	}
	if isTLSClientHello(buffered) {
		return TLS
	}
	if v, ok := classifyHTTP(buffered); ok {
		return v
	}
	if idle || len(buffered) >= MaxSniffBytes {
		return Rejected
	}
	return Pending
}

// isTLSClientHello reports whether buffered begins with a TLS record
// header for a handshake record (content type 0x16) at protocol version
// 1.0 or later, per the 5-byte TLS record layout.
func isTLSClientHello(buffered []byte) bool {
	if len(buffered) < 3 {
		return false
	}
	const contentTypeHandshake = 0x16
	if buffered[0] != contentTypeHandshake {
		return false
	}
	major, minor := buffered[1], buffered[2]
	return major == 3 && minor >= 1
}

// classifyHTTP reports (Rejected, true) on an explicit CONNECT method,
// (HTTP, true) on any other recognized method followed eventually by an
// " HTTP/" version token, and (_, false) when there are not yet enough
// bytes to tell.
func classifyHTTP(buffered []byte) (Verdict, bool) {
	if bytes.HasPrefix(buffered, []byte("CONNECT ")) {
		return Rejected, true
	}
	matched := false
	for _, m := range httpMethods {
		if bytes.HasPrefix(buffered, m) {
			matched = true
			break
		}
	}
	if !matched {
		// No method prefix can ever match once we have more bytes than
		// the longest method token and still haven't matched.
		if len(buffered) >= len("OPTIONS ") {
			return Rejected, true
		}
		return Pending, false
	}
	lineEnd := bytes.IndexByte(buffered, '\n')
	if lineEnd < 0 {
		return Pending, false
	}
	line := buffered[:lineEnd]
	if bytes.Contains(line, []byte(" HTTP/")) {
		return HTTP, true
	}
	return Rejected, true
}
