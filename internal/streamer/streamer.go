// Package streamer copies bytes between a buffered reader and a buffered
// writer until an in-band terminator is observed, without ever mis-splitting
// the terminator across the reader's internal buffer boundaries.
package streamer

import (
	"bufio"
	"bytes"
	"io"
)

// StreamUntil copies bytes from src to dst until magic is found in src, or
// src reaches EOF when magic is empty. magic itself is consumed from src but
// never written to dst. On return, src's next unread byte is the one
// immediately following the last byte of magic (or src is at true EOF if
// magic is empty or was never found).
func StreamUntil(dst *bufio.Writer, src *bufio.Reader, magic []byte) error {
	if len(magic) == 0 {
		if _, err := io.Copy(dst, src); err != nil {
			return err
		}
		return dst.Flush()
	}

	m := len(magic)
	pending := make([]byte, 0, m-1)

	for {
		chunk, perr := src.Peek(src.Size())
		if len(chunk) == 0 {
			return finish(dst, pending, perr)
		}

		if len(pending) > 0 {
			need := m - len(pending)
			take := need
			if take > len(chunk) {
				take = len(chunk)
			}

			if bytes.Equal(chunk[:take], magic[len(pending):len(pending)+take]) {
				if take < need {
					// Chunk entirely continues the held prefix; more data is needed
					// to confirm a full match.
					pending = append(pending, chunk[:take]...)
					if _, err := src.Discard(take); err != nil {
						return err
					}
					if perr != nil {
						return finish(dst, pending, perr)
					}
					continue
				}
				// Cross-chunk match confirmed: the held bytes plus this prefix are
				// the terminator. Neither was ever written to dst.
				if _, err := src.Discard(take); err != nil {
					return err
				}
				return dst.Flush()
			}

			// False alarm: the held prefix wasn't actually the start of magic.
			// Flush it before reprocessing the chunk from scratch.
			if _, err := dst.Write(pending); err != nil {
				return err
			}
			pending = pending[:0]
			continue
		}

		if idx := bytes.Index(chunk, magic); idx >= 0 {
			if _, err := dst.Write(chunk[:idx]); err != nil {
				return err
			}
			if _, err := src.Discard(idx + m); err != nil {
				return err
			}
			return dst.Flush()
		}

		p := longestPrefixSuffix(chunk, magic)
		if _, err := dst.Write(chunk[:len(chunk)-p]); err != nil {
			return err
		}
		if _, err := src.Discard(len(chunk)); err != nil {
			return err
		}
		pending = append(pending[:0], chunk[len(chunk)-p:]...)

		if perr != nil {
			return finish(dst, pending, perr)
		}
	}
}

// finish flushes any bytes held back that never turned into a confirmed
// terminator match, then flushes dst. A non-EOF error from the source read
// is propagated; EOF is the expected way this loop ends when magic is never
// found.
func finish(dst *bufio.Writer, pending []byte, err error) error {
	if len(pending) > 0 {
		if _, werr := dst.Write(pending); werr != nil {
			return werr
		}
	}
	if err != nil && err != io.EOF {
		return err
	}
	return dst.Flush()
}

// longestPrefixSuffix returns the length of the longest suffix of chunk that
// equals a prefix of magic. The caller has already ruled out a full match
// inside chunk, so the search is bounded to len(magic)-1.
func longestPrefixSuffix(chunk, magic []byte) int {
	maxP := len(magic) - 1
	if maxP > len(chunk) {
		maxP = len(chunk)
	}
	for p := maxP; p > 0; p-- {
		if bytes.Equal(chunk[len(chunk)-p:], magic[:p]) {
			return p
		}
	}
	return 0
}
