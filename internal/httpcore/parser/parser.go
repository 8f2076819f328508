// Package parser implements the two coupled finite-state machines that
// tokenize an HTTP/1.1 request from a byte-oriented ReadStream: a character
// FSM over CharClassifier classes, and a meta FSM that classifies which
// header is active and which body style applies.
//
// The transition tables are ported row-for-row from the reference C parser
// this design is based on and are kept bit-for-bit faithful; only the
// surrounding control flow is reshaped into idiomatic Go.
package parser

import (
	"github.com/corewave-io/evhttp/internal/httpcore/charclass"
	"github.com/corewave-io/evhttp/internal/httpcore/stream"
	"github.com/corewave-io/evhttp/internal/httpcore/token"
)

// State is a character-FSM state.
type State int8

const (
	stStart State = iota
	stMethod
	stMethodSP
	stTarget
	stTargetSP
	stVersion
	stReqLineCR
	stReqLineLF
	stHeaderKey
	stHeaderSP
	stHeaderVal
	stHeaderCR
	stHeaderLF
	stHeadersEndCR
	stHeadersEndLF
	stBody
	stChunkSize
	stChunkBody
	stChunkExt
	stChunkSizeCR
	stChunkSizeLF
	stChunkEnd
	stChunkEndCR
	stChunkEndLF
	stError
	numStates
)

// NumStates counts every character-FSM state: the 24 live states, which are
// the rows of the transition table, plus the terminal error sentinel.
const NumStates = int(numStates)

// MetaState is a meta-FSM state: which header is being matched and what
// body style applies.
type MetaState int8

const (
	mWaitKey MetaState = iota
	mAny
	mMatchTE
	mMatchCL
	mCLValue
	mMatchChunked
	mSmallBody
	mChunkedBody
	mBigBody
	mChunkZero
	mChunkSize
	mChunkRead
	mChunkLast
	mStreamRead
	mStreamEnd
	mBodyRead
	mReqEnd
	mMetaError
)

// Event is a meta-FSM transition trigger. The table has only six columns;
// several are reused for a second meaning in a different row group, mirrored
// below as named aliases matching the original event constants.
type Event int8

const (
	EvNotContentLen Event = iota
	EvNotTransferEnc
	EvEndKey
	EvEndValue
	EvEndHeaders
	EvLargeBody
	numEvents
)

// Aliases: same column index, different meaning depending on which row
// group is currently active.
const (
	evNotChunked   = EvNotContentLen  // M_MCK row: "chunked" value mismatch
	evNonZeroChunk = EvNotContentLen  // M_ZER row: chunk-size digit isn't '0'
	evNext         = EvNotContentLen  // STR/SEN/BDY/END rows: advance
	evEndChunkSize = EvNotTransferEnc // leaving CS: chunk-size line consumed
	evEndChunk     = EvEndKey         // leaving C2: trailing CRLF consumed
)

// transitions is the character FSM: rows are states ST..C2 (24 of them,
// BR/error has no outgoing row), columns are charclass.Class in the order
// SPC,NL,CR,COLON,TAB,SEMI,DIGIT,HEX,ALPHA,TCHAR,VCHAR,ETC.
var transitions = [24][12]State{
	stStart:        {stError, stError, stError, stError, stError, stError, stError, stMethod, stMethod, stMethod, stError, stError},
	stMethod:       {stMethodSP, stError, stError, stError, stError, stError, stMethod, stMethod, stMethod, stMethod, stError, stError},
	stMethodSP:     {stError, stError, stError, stError, stError, stError, stTarget, stTarget, stTarget, stTarget, stTarget, stError},
	stTarget:       {stTargetSP, stError, stError, stTarget, stError, stTarget, stTarget, stTarget, stTarget, stTarget, stTarget, stError},
	stTargetSP:     {stError, stError, stError, stError, stError, stError, stVersion, stVersion, stVersion, stVersion, stVersion, stError},
	stVersion:      {stError, stError, stReqLineCR, stError, stError, stError, stVersion, stVersion, stVersion, stVersion, stVersion, stError},
	stReqLineCR:    {stError, stReqLineLF, stError, stError, stError, stError, stError, stError, stError, stError, stError, stError},
	stReqLineLF:    {stError, stError, stError, stError, stError, stError, stHeaderKey, stHeaderKey, stHeaderKey, stHeaderKey, stError, stError},
	stHeaderKey:    {stError, stError, stError, stHeaderSP, stError, stError, stHeaderKey, stHeaderKey, stHeaderKey, stHeaderKey, stError, stError},
	stHeaderSP:     {stHeaderSP, stHeaderSP, stHeaderSP, stHeaderVal, stHeaderSP, stHeaderVal, stHeaderVal, stHeaderVal, stHeaderVal, stHeaderVal, stHeaderVal, stError},
	stHeaderVal:    {stHeaderVal, stError, stHeaderCR, stHeaderVal, stHeaderVal, stHeaderVal, stHeaderVal, stHeaderVal, stHeaderVal, stHeaderVal, stHeaderVal, stError},
	stHeaderCR:     {stError, stHeaderLF, stError, stError, stError, stError, stError, stError, stError, stError, stError, stError},
	stHeaderLF:     {stError, stError, stHeadersEndCR, stError, stError, stError, stHeaderKey, stHeaderKey, stHeaderKey, stHeaderKey, stError, stError},
	stHeadersEndCR: {stError, stHeadersEndLF, stError, stError, stError, stError, stError, stError, stError, stError, stError, stError},
	stHeadersEndLF: {stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody},
	stBody:         {stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody, stBody},
	stChunkSize:    {stError, stError, stChunkSizeCR, stError, stError, stChunkExt, stChunkSize, stChunkSize, stError, stError, stError, stError},
	stChunkBody:    {stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody},
	stChunkExt:     {stError, stError, stChunkSizeCR, stChunkExt, stChunkExt, stChunkExt, stChunkExt, stChunkExt, stChunkExt, stChunkExt, stChunkExt, stError},
	stChunkSizeCR:  {stError, stChunkSizeLF, stError, stError, stError, stError, stError, stError, stError, stError, stError, stError},
	stChunkSizeLF:  {stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody, stChunkBody},
	stChunkEnd:     {stError, stError, stChunkEndCR, stError, stError, stError, stError, stError, stError, stError, stError, stError},
	stChunkEndCR:   {stError, stChunkEndLF, stError, stError, stError, stError, stError, stError, stError, stError, stError, stError},
	stChunkEndLF:   {stError, stError, stError, stError, stError, stError, stChunkSize, stChunkSize, stError, stError, stError, stError},
}

// metaTransitions is the meta FSM: 18 rows keyed by MetaState, 6 columns
// keyed by Event.
var metaTransitions = [18][6]MetaState{
	mWaitKey:      {mWaitKey, mWaitKey, mWaitKey, mAny, mReqEnd, mMetaError},
	mAny:          {mMatchTE, mMatchCL, mWaitKey, mMetaError, mReqEnd, mMetaError},
	mMatchTE:      {mMatchTE, mWaitKey, mMatchChunked, mMetaError, mMetaError, mMetaError},
	mMatchCL:      {mWaitKey, mMatchCL, mCLValue, mMetaError, mMetaError, mMetaError},
	mCLValue:      {mMetaError, mMetaError, mMetaError, mSmallBody, mMetaError, mMetaError},
	mMatchChunked: {mWaitKey, mMetaError, mMetaError, mChunkedBody, mMetaError, mMetaError},
	mSmallBody:    {mSmallBody, mSmallBody, mSmallBody, mSmallBody, mBodyRead, mBigBody},
	mChunkedBody:  {mChunkedBody, mChunkedBody, mChunkedBody, mChunkedBody, mChunkZero, mMetaError},
	mBigBody:      {mBigBody, mBigBody, mBigBody, mBigBody, mStreamRead, mMetaError},
	mChunkZero:    {mChunkSize, mChunkLast, mMetaError, mMetaError, mMetaError, mMetaError},
	mChunkSize:    {mChunkSize, mChunkRead, mMetaError, mMetaError, mMetaError, mMetaError},
	mChunkRead:    {mChunkRead, mChunkRead, mChunkZero, mMetaError, mMetaError, mMetaError},
	mChunkLast:    {mChunkLast, mReqEnd, mReqEnd, mMetaError, mMetaError, mMetaError},
	mStreamRead:   {mStreamEnd, mMetaError, mMetaError, mMetaError, mMetaError, mMetaError},
	mStreamEnd:    {mReqEnd, mMetaError, mMetaError, mMetaError, mMetaError, mMetaError},
	mBodyRead:     {mReqEnd, mMetaError, mMetaError, mMetaError, mMetaError, mMetaError},
	mReqEnd:       {mWaitKey, mMetaError, mMetaError, mMetaError, mMetaError, mMetaError},
}

// tokenStartStates maps a character-FSM state to the token kind that begins
// when the FSM enters it (token.None if entering it starts nothing).
var tokenStartStates = [numStates]token.Kind{
	stStart:        token.None,
	stMethod:       token.Method,
	stMethodSP:     token.None,
	stTarget:       token.Target,
	stTargetSP:     token.None,
	stVersion:      token.Version,
	stReqLineCR:    token.None,
	stReqLineLF:    token.None,
	stHeaderKey:    token.HeaderKey,
	stHeaderSP:     token.None,
	stHeaderVal:    token.HeaderVal,
	stHeaderCR:     token.None,
	stHeaderLF:     token.None,
	stHeadersEndCR: token.None,
	stHeadersEndLF: token.None,
	stBody:         token.Body,
	stChunkSize:    token.None,
	stChunkBody:    token.ChunkBody,
	stChunkExt:     token.None,
	stChunkSizeCR:  token.None,
	stChunkSizeLF:  token.None,
	stChunkEnd:     token.None,
	stChunkEndCR:   token.None,
	stChunkEndLF:   token.None,
}

// nameTransferEncoding and nameContentLength are the two header names the
// meta FSM watches for while a header key is being read, matched
// case-insensitively one byte at a time against MatchIndex.
const (
	nameTransferEncoding = "transfer-encoding"
	nameContentLength    = "content-length"
	nameChunked          = "chunked"
)

// Parser holds the live state of both FSMs for one in-flight request.
type Parser struct {
	State         State
	Meta          MetaState
	ContentLength int64
	BodyConsumed  int64
	MatchIndex    int
	HeaderCount   int

	MaxHeaderCount int
	MaxTokenLen    int
}

// New returns a Parser ready to parse a request, bounded by the given
// per-request limits.
func New(maxHeaderCount, maxTokenLen int) *Parser {
	return &Parser{MaxHeaderCount: maxHeaderCount, MaxTokenLen: maxTokenLen}
}

// Reset returns the parser to its zero state for the next request on a
// keep-alive connection, preserving the configured limits.
func (p *Parser) Reset() {
	maxH, maxT := p.MaxHeaderCount, p.MaxTokenLen
	*p = Parser{MaxHeaderCount: maxH, MaxTokenLen: maxT}
}

func (p *Parser) trigger(ev Event) {
	p.Meta = metaTransitions[p.Meta][ev]
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 32
	}
	return c
}

// matchPrefix mirrors the MATCH macro: compares c against pattern[matchIndex]
// case-insensitively and triggers ev on mismatch (or out-of-bounds, which is
// always a mismatch since the pattern is exhausted).
func (p *Parser) matchPrefix(pattern string, ev Event, c byte) {
	var m byte
	if p.MatchIndex < len(pattern) {
		m = pattern[p.MatchIndex]
	}
	if lowerASCII(c) != m {
		p.trigger(ev)
	}
}

// emitMeta produces a token purely from meta-FSM state, without consuming
// any stream bytes: the synthetic CHUNK_BODY marking stream-end and the
// REQ_END that follows it once the meta FSM reaches mReqEnd.
func (p *Parser) emitMeta() token.Token {
	switch p.Meta {
	case mStreamEnd:
		p.trigger(evNext)
		return token.Token{Kind: token.ChunkBody}
	case mReqEnd:
		maxH, maxT := p.MaxHeaderCount, p.MaxTokenLen
		*p = Parser{MaxHeaderCount: maxH, MaxTokenLen: maxT}
		return token.Token{Kind: token.ReqEnd}
	}
	return token.Token{}
}

// transition runs the side effects of moving the character FSM from `from`
// to `to` on input byte c, returning any token this step emits.
func (p *Parser) transition(s *stream.Stream, c byte, from, to State) token.Token {
	var emitted token.Token

	if from == stHeadersEndLF {
		s.SetAnchor()
	}
	if from != to {
		if tt := tokenStartStates[to]; tt != token.None {
			s.BeginToken(tt)
		}
		if from == stChunkSize {
			p.trigger(evEndChunkSize)
		}
		switch to {
		case stHeaderKey:
			p.HeaderCount++
			if p.HeaderCount > p.MaxHeaderCount {
				emitted.Kind = token.Error
			}
		case stHeaderSP:
			p.trigger(EvEndKey)
			emitted = s.Emit()
		}
		p.MatchIndex = 0
	}

	switch to {
	case stMethodSP, stTargetSP:
		emitted = s.Emit()
	case stReqLineCR, stHeaderCR:
		p.trigger(EvEndValue)
		emitted = s.Emit()
	case stHeaderKey:
		p.matchPrefix(nameTransferEncoding, EvNotTransferEnc, c)
		p.matchPrefix(nameContentLength, EvNotContentLen, c)
		p.MatchIndex++
	case stHeaderVal:
		switch p.Meta {
		case mMatchChunked:
			p.matchPrefix(nameChunked, evNotChunked, c)
			p.MatchIndex++
		case mCLValue:
			p.ContentLength = p.ContentLength*10 + int64(c-'0')
		}
	case stHeadersEndLF:
		if p.Meta == mSmallBody && !s.CanContain(p.ContentLength) {
			p.trigger(EvLargeBody)
		}
		if p.Meta == mBigBody || p.Meta == mChunkedBody {
			emitted.Kind = token.BodyStream
		}
		p.trigger(EvEndHeaders)
		if p.ContentLength == 0 && p.Meta == mBodyRead {
			p.Meta = mReqEnd
		}
		if p.Meta == mReqEnd {
			emitted.Kind = token.Body
		}
	case stChunkSize:
		p.accumulateChunkSize(c)
	case stChunkBody, stBody:
		emitted = p.consumeBodySpan(s, to)
	case stChunkEndLF:
		p.trigger(evEndChunk)
	case stError:
		emitted.Kind = token.Error
	}
	return emitted
}

func (p *Parser) accumulateChunkSize(c byte) {
	if c != '0' {
		p.trigger(evNonZeroChunk)
	}
	switch {
	case c >= 'A' && c <= 'F':
		p.ContentLength = p.ContentLength*16 + int64(c-'A'+10)
	case c >= 'a' && c <= 'f':
		p.ContentLength = p.ContentLength*16 + int64(c-'a'+10)
	case c >= '0' && c <= '9':
		p.ContentLength = p.ContentLength*16 + int64(c-'0')
	}
}

// consumeBodySpan jumps the stream forward by whatever remains of the
// current body/chunk span, emitting BODY or CHUNK_BODY once the whole span
// has been seen. If only some of it has arrived so far, a streamed
// Content-Length body emits a partial CHUNK_BODY (and a shift); a chunk of a
// chunked body emits nothing until the whole chunk is buffered.
func (p *Parser) consumeBodySpan(s *stream.Stream, to State) token.Token {
	if p.Meta == mStreamRead {
		s.BeginToken(token.ChunkBody)
	}
	bodyLeft := int(p.ContentLength - p.BodyConsumed)
	var emitted token.Token
	if s.Jump(bodyLeft) {
		emitted = s.Emit()
		p.trigger(evNext)
		if to == stChunkBody {
			p.State = stChunkEnd
		}
		p.ContentLength = 0
		p.BodyConsumed = 0
	} else {
		p.BodyConsumed += int64(s.JumpAll())
		if p.Meta == mStreamRead {
			emitted = s.Emit()
			s.Shift()
		}
	}
	return emitted
}

// Next drives the FSM over however many buffered bytes are needed to
// produce the next token, or returns a None-kind token if the stream is
// exhausted before one could be emitted.
func (p *Parser) Next(s *stream.Stream) token.Token {
	if t := p.emitMeta(); t.Kind != token.None {
		return t
	}

	for {
		c, ok := s.Next()
		if !ok {
			break
		}
		class := charclass.Of(c)
		to := transitions[p.State][class]
		if p.Meta == mChunkZero && p.State == stHeadersEndLF && to == stBody {
			to = stChunkSize
		}
		from := p.State
		p.State = to
		emitted := p.transition(s, c, from, to)
		s.Consume()
		if emitted.Kind != token.None {
			return emitted
		}
	}

	if p.State == stChunkBody {
		s.Shift()
	}

	t := p.emitMeta()
	if t.Kind != token.ChunkBody && t.Kind != token.Body && s.Token.Len > p.MaxTokenLen {
		t.Kind = token.Error
	}
	return t
}
