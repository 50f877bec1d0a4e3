package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	// maxStreamBuffer bounds the undecoded remainder; when exceeded the
	// head is dropped down to streamKeepTail to keep memory flat on a
	// misbehaving upstream.
	maxStreamBuffer = 64 * 1024
	streamKeepTail  = 32 * 1024

	streamReadChunk = 4096
)

// StreamReader decodes a streaming generate body: a concatenation of
// whitespace-delimited JSON values, possibly prefixed with SSE "data:"
// tokens. Next returns one decoded value at a time and io.EOF at the end.
type StreamReader struct {
	r   io.Reader
	buf []byte
	eof bool
}

func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r}
}

func (s *StreamReader) Next() (*GenerateResponse, error) {
	for {
		s.trimLeading()

		if len(s.buf) > 0 {
			raw, rest, err := decodeOneValue(s.buf)
			switch {
			case err == nil:
				s.buf = rest
				var resp GenerateResponse
				if uerr := json.Unmarshal(raw, &resp); uerr != nil {
					slog.Debug("Skipping unrecognized stream value", "error", uerr)
					continue
				}
				return &resp, nil
			case isIncompleteValue(err):
				// fall through to read more
			default:
				s.resync()
				continue
			}
		}

		if s.eof {
			if len(bytes.TrimSpace(s.buf)) > 0 {
				return nil, fmt.Errorf("stream ended mid-value: %w", io.ErrUnexpectedEOF)
			}
			return nil, io.EOF
		}

		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

func (s *StreamReader) fill() error {
	chunk := make([]byte, streamReadChunk)
	n, err := s.r.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
		if len(s.buf) > maxStreamBuffer {
			slog.Warn("Stream buffer exceeded cap, truncating head",
				"size", len(s.buf), "kept", streamKeepTail)
			s.buf = append(s.buf[:0:0], s.buf[len(s.buf)-streamKeepTail:]...)
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.eof = true
			return nil
		}
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}

// trimLeading drops whitespace and any number of leading "data:" SSE tokens.
func (s *StreamReader) trimLeading() {
	for {
		s.buf = bytes.TrimLeft(s.buf, " \t\r\n")
		if bytes.HasPrefix(s.buf, []byte("data:")) {
			s.buf = s.buf[len("data:"):]
			continue
		}
		return
	}
}

// resync skips garbage up to the next plausible value start.
func (s *StreamReader) resync() {
	idx := bytes.IndexByte(s.buf[1:], '{')
	if idx < 0 {
		s.buf = s.buf[:0]
		return
	}
	s.buf = s.buf[idx+1:]
}

func decodeOneValue(buf []byte) (value json.RawMessage, rest []byte, err error) {
	dec := json.NewDecoder(bytes.NewReader(buf))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, buf, err
	}
	return raw, buf[dec.InputOffset():], nil
}

func isIncompleteValue(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
