// Package ws implements the RFC 6455 WebSocket upgrade handshake (both
// accepting a server-side upgrade and driving a client-side one) and the
// post-upgrade frame exchange on top of the same byte-stream adapter the
// HTTP session driver reads and writes.
package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/gobwas/httphead"
)

// guid is the fixed key defined by RFC 6455 section 1.3, concatenated onto
// the client's Sec-WebSocket-Key before hashing to derive the accept value.
const guid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// acceptKey derives the Sec-WebSocket-Accept value for a given
// Sec-WebSocket-Key, per RFC 6455 section 1.3: SHA-1 of key+GUID, base64-encoded.
func acceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(guid))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// HeaderLookup resolves a request header by name, case-insensitively,
// matching the contract session.Driver.RequestHeader satisfies.
type HeaderLookup func(name string) (string, bool)

// Accept validates the headers of an in-flight request as a well-formed
// WebSocket upgrade request (Upgrade: websocket, Sec-WebSocket-Version: 13,
// a non-empty Sec-WebSocket-Key) and, if valid, returns the Sec-WebSocket-Accept
// value the 101 response must carry.
func Accept(header HeaderLookup) (accept string, ok bool) {
	upgrade, has := header("upgrade")
	if !has || !strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		return "", false
	}
	version, has := header("sec-websocket-version")
	if !has || strings.TrimSpace(version) != "13" {
		return "", false
	}
	key, has := header("sec-websocket-key")
	if !has || strings.TrimSpace(key) == "" {
		return "", false
	}
	return acceptKey(strings.TrimSpace(key)), true
}

// SelectSubprotocol scans a request's Sec-WebSocket-Protocol header (a
// comma-separated token list per RFC 6455 section 11.3.4) and returns the
// first entry that also appears in supported, preserving the client's
// preference order. Returns ok=false if the header is absent or no overlap
// is found, in which case the 101 response should omit the header entirely.
func SelectSubprotocol(header HeaderLookup, supported []string) (protocol string, ok bool) {
	raw, has := header("sec-websocket-protocol")
	if !has || strings.TrimSpace(raw) == "" {
		return "", false
	}
	httphead.ScanTokens([]byte(raw), func(tok []byte) bool {
		candidate := strings.TrimSpace(string(tok))
		for _, s := range supported {
			if strings.EqualFold(candidate, s) {
				protocol, ok = s, true
				return false
			}
		}
		return true
	})
	return protocol, ok
}

// ValidateAccept checks a server's Sec-WebSocket-Accept response value
// against the client key a DialClient handshake sent, used to confirm the
// peer is speaking the same protocol version rather than echoing garbage.
func ValidateAccept(clientKey, accept string) bool {
	return acceptKey(clientKey) == accept
}
