package ai

import (
	"context"
	"sync"
)

// Stream delivers text snapshots of one generation to a single consumer. Each
// value on Updates is the full text produced so far. The channel is closed
// when generation ends; Err and Text are final after that.
type Stream struct {
	updates chan string
	done    chan struct{}
	cancel  context.CancelFunc

	mu       sync.Mutex
	text     string
	err      error
	provider string
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		updates: make(chan string, 16),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

func (s *Stream) Updates() <-chan string { return s.updates }

// Done is closed after the last update has been sent.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel stops delivery. Text already produced is kept.
func (s *Stream) Cancel() { s.cancel() }

// Wait drains the stream and returns the final text.
func (s *Stream) Wait() (string, error) {
	for range s.updates {
	}
	<-s.done
	return s.Text(), s.Err()
}

func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Provider names the provider that produced the text.
func (s *Stream) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

func (s *Stream) setText(text string) {
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
}

func (s *Stream) finish(provider string, err error) {
	s.mu.Lock()
	s.provider = provider
	s.err = err
	s.mu.Unlock()
	close(s.updates)
	close(s.done)
	s.cancel()
}
