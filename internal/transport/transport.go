// Package transport moves identity-tagged payloads between the console and its agents.
//
// A Router binds one endpoint per agent class and addresses peers by identity. A Dealer
// keeps one background connection to a Router, redialing with backoff, and announces its
// identity with a hello frame on every (re)connect. Sends are asynchronous enqueues onto
// bounded per-peer queues; receives are polled with a timeout.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/daqctl/internal/protocol/session"
)

var (
	ErrClosed           = errors.New("transport: closed")
	ErrAlreadyBound     = errors.New("transport: already bound")
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: connected to another endpoint")
	ErrUnroutable       = errors.New("transport: unroutable identity")
	ErrQueueFull        = errors.New("transport: send queue full")
	ErrIdentityMismatch = errors.New("transport: hello identity does not match certificate")
	ErrLinkLost         = errors.New("transport: link lost")
)

// Message is one payload received from, or addressed to, a peer identity.
type Message struct {
	Identity session.Identity
	Payload  []byte
	// Received is when the transport read the payload off the wire.
	Received time.Time

	lost bool
}

// pollInbox waits up to timeout for a message. timeout <= 0 waits until ctx is done.
func pollInbox(ctx context.Context, inbox <-chan Message, closed <-chan struct{}, timeout time.Duration) (Message, bool, error) {
	select {
	case msg := <-inbox:
		return msg, true, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case msg := <-inbox:
		return msg, true, nil
	case <-expired:
		return Message{}, false, nil
	case <-closed:
		return Message{}, false, ErrClosed
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// enqueue is a non-blocking push onto a bounded queue.
func enqueue(queue chan<- []byte, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case queue <- buf:
		return nil
	default:
		return ErrQueueFull
	}
}
