package parser

import (
	"testing"

	"github.com/corewave-io/evhttp/internal/httpcore/stream"
	"github.com/corewave-io/evhttp/internal/httpcore/token"
)

func parseAll(t *testing.T, s *stream.Stream, p *Parser) []token.Token {
	t.Helper()
	var toks []token.Token
	for i := 0; i < 1000; i++ {
		tok := p.Next(s)
		if tok.Kind == token.None {
			break
		}
		toks = append(toks, tok)
		if tok.Kind == token.ReqEnd || tok.Kind == token.Error {
			break
		}
	}
	return toks
}

func newLoaded(t *testing.T, raw string) *stream.Stream {
	t.Helper()
	s := stream.New(len(raw), 1<<20)
	if n := s.Append([]byte(raw)); n != len(raw) {
		t.Fatalf("expected to buffer all %d bytes, appended %d", len(raw), n)
	}
	return s
}

func kinds(toks []token.Token) []token.Kind {
	ks := make([]token.Kind, len(toks))
	for i, t := range toks {
		ks[i] = t.Kind
	}
	return ks
}

func equalKinds(a, b []token.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSimpleGETNoBody(t *testing.T) {
	raw := "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"
	s := newLoaded(t, raw)
	p := New(127, 8192)

	toks := parseAll(t, s, p)
	want := []token.Kind{token.Method, token.Target, token.Version, token.HeaderKey, token.HeaderVal, token.Body, token.ReqEnd}
	if !equalKinds(kinds(toks), want) {
		t.Fatalf("unexpected token sequence: %v, want %v", kinds(toks), want)
	}

	if got := string(s.View(toks[0].Offset, toks[0].Len)); got != "GET" {
		t.Fatalf("expected method GET, got %q", got)
	}
	if got := string(s.View(toks[1].Offset, toks[1].Len)); got != "/index.html" {
		t.Fatalf("expected target /index.html, got %q", got)
	}
	if got := string(s.View(toks[2].Offset, toks[2].Len)); got != "HTTP/1.1" {
		t.Fatalf("expected version HTTP/1.1, got %q", got)
	}
	if got := string(s.View(toks[3].Offset, toks[3].Len)); got != "Host" {
		t.Fatalf("expected header key Host, got %q", got)
	}
	if got := string(s.View(toks[4].Offset, toks[4].Len)); got != "example.com" {
		t.Fatalf("expected header val example.com, got %q", got)
	}
	if toks[5].Len != 0 {
		t.Fatalf("expected zero-length body for a request with no content, got len %d", toks[5].Len)
	}
}

func TestPostWithContentLengthBody(t *testing.T) {
	raw := "POST /echo HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	s := newLoaded(t, raw)
	p := New(127, 8192)

	toks := parseAll(t, s, p)
	want := []token.Kind{token.Method, token.Target, token.Version, token.HeaderKey, token.HeaderVal, token.Body, token.ReqEnd}
	if !equalKinds(kinds(toks), want) {
		t.Fatalf("unexpected token sequence: %v, want %v", kinds(toks), want)
	}

	if got := string(s.View(toks[3].Offset, toks[3].Len)); got != "Content-Length" {
		t.Fatalf("expected header key Content-Length, got %q", got)
	}
	if got := string(s.View(toks[4].Offset, toks[4].Len)); got != "5" {
		t.Fatalf("expected header val 5, got %q", got)
	}
	if got := string(s.View(toks[5].Offset, toks[5].Len)); got != "hello" {
		t.Fatalf("expected body hello, got %q", got)
	}
}

func TestMalformedRequestLineYieldsError(t *testing.T) {
	raw := "1GET / HTTP/1.1\r\n\r\n"
	s := newLoaded(t, raw)
	p := New(127, 8192)

	toks := parseAll(t, s, p)
	if len(toks) != 1 || toks[0].Kind != token.Error {
		t.Fatalf("expected a single Error token for a malformed request line, got %v", kinds(toks))
	}
}

func TestChunkedBodyConcatenatesToOriginalPayload(t *testing.T) {
	raw := "POST /upload HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	s := newLoaded(t, raw)
	p := New(127, 8192)

	toks := parseAll(t, s, p)
	if len(toks) == 0 || toks[len(toks)-1].Kind != token.ReqEnd {
		t.Fatalf("expected sequence to end in ReqEnd, got %v", kinds(toks))
	}

	sawBodyStream := false
	var body []byte
	for _, tok := range toks {
		switch tok.Kind {
		case token.BodyStream:
			sawBodyStream = true
		case token.ChunkBody:
			body = append(body, s.View(tok.Offset, tok.Len)...)
		}
	}
	if !sawBodyStream {
		t.Fatalf("expected a BodyStream token announcing a streamed body")
	}
	if string(body) != "hello" {
		t.Fatalf("expected chunk bodies to concatenate to %q, got %q", "hello", body)
	}
}

func TestResetClearsStateButKeepsLimits(t *testing.T) {
	p := New(127, 8192)
	p.HeaderCount = 5
	p.ContentLength = 100
	p.Reset()

	if p.HeaderCount != 0 || p.ContentLength != 0 {
		t.Fatalf("expected zeroed counters after reset")
	}
	if p.MaxHeaderCount != 127 || p.MaxTokenLen != 8192 {
		t.Fatalf("expected limits preserved across reset, got %+v", p)
	}
}

func TestHeaderCountLimitEnforced(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n"
	s := newLoaded(t, raw)
	p := New(2, 8192)

	toks := parseAll(t, s, p)
	foundErr := false
	for _, tok := range toks {
		if tok.Kind == token.Error {
			foundErr = true
		}
	}
	if !foundErr {
		t.Fatalf("expected an Error token once header count exceeds the configured limit, got %v", kinds(toks))
	}
}
