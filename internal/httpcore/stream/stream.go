// Package stream implements the growable, shift-compacted read buffer the
// parser pulls bytes from and emits tokens against.
package stream

import (
	"github.com/corewave-io/evhttp/internal/bufpool"
	"github.com/corewave-io/evhttp/internal/httpcore/token"
)

// Stream is a contiguous byte buffer with a parse cursor (Index), a
// shift-compaction base (Anchor), and the single in-flight token under
// construction. Invariant: Anchor <= Token.Offset <= Index <= Length <= cap(buf).
type Stream struct {
	buf        []byte
	Token      token.Token
	BytesTotal int64
	Length     int
	Index      int
	Anchor     int
	consumed   bool

	maxSize int
}

// New allocates a Stream whose backing buffer starts at initialSize bytes
// and grows by doubling up to maxSize.
func New(initialSize, maxSize int) *Stream {
	return &Stream{
		buf:     bufpool.Get(initialSize)[:0:initialSize],
		maxSize: maxSize,
	}
}

// Reset releases the backing buffer back to the pool and zeroes all state,
// leaving the Stream ready for reuse by Grow/Append.
func (s *Stream) Reset() {
	if s.buf != nil {
		bufpool.Put(s.buf[:cap(s.buf)])
	}
	*s = Stream{maxSize: s.maxSize}
}

// Bytes returns the valid (0:Length) slice of the backing buffer.
func (s *Stream) Bytes() []byte { return s.buf[:s.Length] }

// View returns the bytes spanning [off, off+n) of the backing buffer,
// valid only until the next Shift or Reset.
func (s *Stream) View(off, n int) []byte { return s.buf[off : off+n] }

// Cap reports the current backing buffer capacity.
func (s *Stream) Cap() int { return cap(s.buf) }

// MaxSize reports the configured growth ceiling.
func (s *Stream) MaxSize() int { return s.maxSize }

// CanContain reports whether n additional bytes can fit without exceeding
// maxSize, measured from the current parse cursor.
func (s *Stream) CanContain(n int64) bool {
	return int64(s.maxSize-s.Index+1) >= n
}

// Grow doubles the backing buffer (capped at maxSize) so at least one more
// byte can be appended. Returns false if already at maxSize.
func (s *Stream) Grow() bool {
	if cap(s.buf) >= s.maxSize {
		return false
	}
	ncap := cap(s.buf) * 2
	if ncap == 0 {
		ncap = 1024
	}
	if ncap > s.maxSize {
		ncap = s.maxSize
	}
	nbuf := bufpool.Get(ncap)
	n := copy(nbuf, s.buf[:s.Length])
	bufpool.Put(s.buf[:cap(s.buf)])
	s.buf = nbuf[:n:ncap]
	return true
}

// Append adds freshly read bytes to the tail of the valid region, growing
// the backing buffer (doubling, capped at maxSize) as needed. Returns the
// number of bytes actually appended.
func (s *Stream) Append(data []byte) int {
	if cap(s.buf) < s.Length+len(data) {
		for cap(s.buf) < s.Length+len(data) && cap(s.buf) < s.maxSize {
			if !s.Grow() {
				break
			}
		}
	}
	room := cap(s.buf) - s.Length
	n := len(data)
	if n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}
	s.buf = s.buf[:s.Length+n]
	copy(s.buf[s.Length:s.Length+n], data[:n])
	s.Length += n
	s.BytesTotal += int64(n)
	return n
}

// AtCapacity reports whether the backing buffer has reached maxSize with no
// room left to grow further.
func (s *Stream) AtCapacity() bool { return s.Length == cap(s.buf) && cap(s.buf) >= s.maxSize }

// Next peeks the byte at Index without consuming it. Returns false if no
// more buffered bytes are available.
func (s *Stream) Next() (byte, bool) {
	s.consumed = false
	if s.Index >= s.Length {
		return 0, false
	}
	return s.buf[s.Index], true
}

// Consume commits the previously-peeked byte to the in-flight token and
// advances Index. A no-op if the byte was already consumed this cycle
// (e.g. via Jump).
func (s *Stream) Consume() {
	if s.consumed {
		return
	}
	s.consumed = true
	s.Index++
	if s.Token.Kind != token.None {
		s.Token.Len++
	} else {
		s.Token.Len = 0
	}
}

// BeginToken starts a new in-flight token of kind k at the current Index.
func (s *Stream) BeginToken(k token.Kind) {
	s.Token = token.Token{Kind: k, Offset: s.Index}
}

// Emit returns the in-flight token and clears it.
func (s *Stream) Emit() token.Token {
	t := s.Token
	s.Token = token.Token{}
	return t
}

// Jump advances Index by offset bytes without re-peeking byte-by-byte
// (used to skip over a fixed-length body/chunk span in one step). Returns
// false if fewer than offset bytes are currently buffered.
func (s *Stream) Jump(offset int) bool {
	s.consumed = true
	if s.Index+offset > s.Length {
		return false
	}
	if s.Token.Kind != token.None {
		s.Token.Len += offset
	} else {
		s.Token.Len = 0
	}
	s.Index += offset
	return true
}

// JumpAll advances Index to Length (consuming everything currently
// buffered) and returns how many bytes were skipped.
func (s *Stream) JumpAll() int {
	s.consumed = true
	offset := s.Length - s.Index
	s.Index += offset
	if s.Token.Kind != token.None {
		s.Token.Len += offset
	} else {
		s.Token.Len = 0
	}
	return offset
}

// SetAnchor sets the shift-compaction base to the current Index.
func (s *Stream) SetAnchor() { s.Anchor = s.Index }

// Shift moves the unconsumed tail of the buffer (from Token.Offset to
// Length) back to Anchor, bounding resident memory for streamed bodies
// regardless of how much has already been delivered.
func (s *Stream) Shift() {
	if s.Token.Offset == s.Anchor {
		return
	}
	if s.Token.Len > 0 {
		copy(s.buf[s.Anchor:], s.buf[s.Token.Offset:s.Length])
	}
	s.Token.Offset = s.Anchor
	s.Index = s.Anchor + s.Token.Len
	s.Length = s.Index
	s.buf = s.buf[:s.Length]
}
