package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
)

// ErrStreamClosed is returned by Recv after the stream has been closed.
var ErrStreamClosed = errors.New("stream is closed")

// streamDone is the sentinel frame terminating an SSE completion stream.
const streamDone = "[DONE]"

// TokenStream is a pull-based sequence of text tokens decoded from a
// provider's SSE stream. The producer is paced by the consumer's Recv rate;
// Close aborts the underlying connection, which stops token production.
type TokenStream struct {
	body io.ReadCloser
	r    *bufio.Reader

	mu     sync.Mutex
	closed bool

	// emission counters, used for usage accounting after the stream ends
	chunks int
	chars  int
}

func newTokenStream(body io.ReadCloser) *TokenStream {
	return &TokenStream{
		body: body,
		r:    bufio.NewReader(body),
	}
}

// Recv returns the next non-empty text token. It returns io.EOF when the
// stream terminates (sentinel frame or connection end) and ErrStreamClosed
// after Close.
func (s *TokenStream) Recv() (string, error) {
	for {
		data, err := s.nextEvent()
		if err != nil {
			return "", err
		}
		if data == streamDone {
			return "", io.EOF
		}

		var chunk streamChunk
		if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
			// Malformed frame: skip rather than kill an otherwise live stream.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}

		s.mu.Lock()
		s.chunks++
		s.chars += len(token)
		s.mu.Unlock()
		return token, nil
	}
}

// nextEvent reads lines until a full SSE event boundary (blank line) is seen,
// accumulating data: fields. Partial frames are buffered until the boundary
// arrives; a frame left unterminated at connection end is still delivered.
func (s *TokenStream) nextEvent() (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrStreamClosed
	}
	s.mu.Unlock()

	var data bytes.Buffer
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && data.Len() > 0 {
				return data.String(), nil
			}
			if err == io.EOF {
				return "", io.EOF
			}
			return "", err
		}

		line = strings.TrimSpace(line)

		// Blank line terminates the event.
		if line == "" {
			if data.Len() > 0 {
				return data.String(), nil
			}
			continue
		}

		// Comments.
		if strings.HasPrefix(line, ":") {
			continue
		}

		idx := strings.Index(line, ":")
		if idx == -1 {
			continue
		}
		field := line[:idx]
		value := strings.TrimSpace(line[idx+1:])

		if field == "data" {
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(value)
		}
		// event/id/retry fields are not used by the completion stream.
	}
}

// Close aborts the stream. Safe to call multiple times and concurrently with
// Recv; a blocked Recv unblocks with an error once the connection drops.
func (s *TokenStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}

// Emitted reports how many tokens (SSE chunks) and characters the stream has
// produced so far.
func (s *TokenStream) Emitted() (chunks, chars int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks, s.chars
}
