package ws

import "testing"

func headerMap(m map[string]string) HeaderLookup {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestAcceptKeyMatchesRFC6455Example(t *testing.T) {
	// The example key/accept pair from RFC 6455 section 1.3.
	got := acceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("acceptKey() = %q, want %q", got, want)
	}
}

func TestAcceptValidUpgrade(t *testing.T) {
	h := headerMap(map[string]string{
		"upgrade":                "websocket",
		"sec-websocket-version":  "13",
		"sec-websocket-key":      "dGhlIHNhbXBsZSBub25jZQ==",
	})
	accept, ok := Accept(h)
	if !ok {
		t.Fatalf("expected a valid upgrade to be accepted")
	}
	if accept != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("unexpected accept value: %q", accept)
	}
}

func TestAcceptRejectsWrongVersion(t *testing.T) {
	h := headerMap(map[string]string{
		"upgrade":               "websocket",
		"sec-websocket-version": "8",
		"sec-websocket-key":     "dGhlIHNhbXBsZSBub25jZQ==",
	})
	if _, ok := Accept(h); ok {
		t.Fatalf("expected version 8 to be rejected")
	}
}

func TestAcceptRejectsMissingUpgradeHeader(t *testing.T) {
	h := headerMap(map[string]string{
		"sec-websocket-version": "13",
		"sec-websocket-key":     "dGhlIHNhbXBsZSBub25jZQ==",
	})
	if _, ok := Accept(h); ok {
		t.Fatalf("expected missing Upgrade header to be rejected")
	}
}

func TestSelectSubprotocolPicksFirstSupportedInClientOrder(t *testing.T) {
	h := headerMap(map[string]string{"sec-websocket-protocol": "chat, superchat, echo"})
	got, ok := SelectSubprotocol(h, []string{"echo", "superchat"})
	if !ok || got != "superchat" {
		t.Fatalf("expected superchat (first client preference we support), got %q, ok=%v", got, ok)
	}
}

func TestSelectSubprotocolNoOverlapReturnsFalse(t *testing.T) {
	h := headerMap(map[string]string{"sec-websocket-protocol": "chat"})
	if _, ok := SelectSubprotocol(h, []string{"echo"}); ok {
		t.Fatalf("expected no match when client and server protocol lists don't overlap")
	}
}

func TestSelectSubprotocolMissingHeaderReturnsFalse(t *testing.T) {
	h := headerMap(map[string]string{})
	if _, ok := SelectSubprotocol(h, []string{"echo"}); ok {
		t.Fatalf("expected no selection without a Sec-WebSocket-Protocol header")
	}
}

func TestValidateAcceptRoundTrip(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	if !ValidateAccept(key, acceptKey(key)) {
		t.Fatalf("expected accept value derived from key to validate")
	}
	if ValidateAccept(key, "garbage") {
		t.Fatalf("expected mismatched accept value to fail validation")
	}
}
