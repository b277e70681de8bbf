package llm

import (
	"io"
	"strings"
)

// NextFunc is the iteration function for a Stream. Returns io.EOF
// when the stream is complete.
type NextFunc func() (string, error)

// Stream reads text fragments from a streaming completion response.
// It yields fragments via Next while accumulating the complete
// Completion internally. After Next returns io.EOF, call Completion
// to retrieve the accumulated result.
//
// Stream is not safe for concurrent use.
type Stream struct {
	next   NextFunc
	closer io.Closer

	text         strings.Builder
	model        string
	finishReason string
	usage        Usage
	done         bool
}

// NewStream creates a Stream from an iteration function and an
// io.Closer for the underlying resource (typically the HTTP response
// body). The next function must return io.EOF when the stream is
// complete. Exported so fakes can script streams in tests.
func NewStream(next NextFunc, closer io.Closer) *Stream {
	return &Stream{next: next, closer: closer}
}

// Next returns the next text fragment. Returns io.EOF when the stream
// is complete. An *APIError is returned when the upstream emits an
// error event mid-stream.
//
// The caller should process fragments in a loop:
//
//	for {
//	    fragment, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    // process fragment
//	}
//	completion := stream.Completion()
func (s *Stream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}

	fragment, err := s.next()
	if err != nil {
		if err == io.EOF {
			s.done = true
		}
		return "", err
	}

	s.text.WriteString(fragment)
	return fragment, nil
}

// Completion returns the accumulated response. Only complete after
// Next has returned io.EOF; before that it holds whatever has been
// accumulated so far.
func (s *Stream) Completion() *Completion {
	return &Completion{
		Content:      s.text.String(),
		Model:        s.model,
		FinishReason: s.finishReason,
		Usage:        s.usage,
	}
}

// Close releases the underlying HTTP response body. Must be called
// when done with the stream, even if iteration ended early.
func (s *Stream) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *Stream) setModel(model string) {
	if s.model == "" {
		s.model = model
	}
}

func (s *Stream) setFinishReason(reason string) {
	s.finishReason = reason
}

func (s *Stream) setUsage(usage Usage) {
	s.usage = usage
}
