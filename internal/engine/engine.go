// ABOUTME: Conversation processing collaborator interface and built-in responders
// ABOUTME: Response generation itself lives outside this system

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Request is one inbound turn handed to conversation processing.
type Request struct {
	SessionID    string
	ExperimentID string
	VersionID    string
	Content      string
	// Seed marks a request produced from a configured opening message
	// rather than a participant turn.
	Seed bool
}

// Response is the generated reply.
type Response struct {
	Content string
}

// Responder produces a reply for an inbound turn. Implementations live
// outside this system; the built-ins below exist for tests and internal
// test links.
type Responder interface {
	Respond(ctx context.Context, req *Request) (*Response, error)
}

// TransientError marks a provider failure worth retrying: rate limits
// and upstream unavailability. Everything else propagates immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient upstream error: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Echo is a trivial responder used by internal test links. It repeats
// the inbound content.
type Echo struct{}

// Respond implements Responder.
func (Echo) Respond(_ context.Context, req *Request) (*Response, error) {
	if req.Seed {
		return &Response{Content: req.Content}, nil
	}
	return &Response{Content: fmt.Sprintf("echo: %s", req.Content)}, nil
}

// Scripted replies with a fixed sequence of responses, then repeats the
// last one. Used by evaluation links where the conversation is known in
// advance.
type Scripted struct {
	Replies []string

	mu   sync.Mutex
	next int
}

// Respond implements Responder.
func (s *Scripted) Respond(_ context.Context, req *Request) (*Response, error) {
	if req.Seed {
		return &Response{Content: req.Content}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Replies) == 0 {
		return nil, errors.New("scripted responder has no replies")
	}
	reply := s.Replies[min(s.next, len(s.Replies)-1)]
	s.next++
	return &Response{Content: reply}, nil
}
