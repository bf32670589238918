// Package deliverytest provides a scripted delivery.Sender for tests.
package deliverytest

import (
	"context"
	"sync"

	"courier/internal/delivery"
)

type Call struct {
	Recipient int64
	Message   delivery.Message
}

// Sender answers each Send with the next scripted outcome, or success once the
// script runs out. Successful sends get increasing message ids from 1000.
type Sender struct {
	mu     sync.Mutex
	script []error
	byID   map[int64]error
	calls  []Call
	nextID int64
}

func New(script ...error) *Sender {
	return &Sender{script: script, byID: map[int64]error{}, nextID: 1000}
}

// FailFor makes every send to recipient return err.
func (s *Sender) FailFor(recipient int64, err error) *Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[recipient] = err
	return s
}

func (s *Sender) Send(ctx context.Context, recipient int64, msg delivery.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Recipient: recipient, Message: msg})
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err, ok := s.byID[recipient]; ok {
		return 0, err
	}
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return 0, err
		}
	}
	s.nextID++
	return s.nextID, nil
}

func (s *Sender) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Sender) Recipients() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Recipient)
	}
	return out
}
