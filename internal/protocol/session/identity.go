package session

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownIdentity = errors.New("session: unknown agent identity")

// Identity is the stable addressing token an agent announces on every frame.
type Identity string

const (
	IdentityHV Identity = "HV"
	IdentityRC Identity = "RC"
)

// KnownIdentities lists the agent classes a console can attach to.
func KnownIdentities() []Identity {
	return []Identity{IdentityHV, IdentityRC}
}

// ParseIdentity accepts a class name in any case.
func ParseIdentity(raw string) (Identity, error) {
	id := Identity(strings.ToUpper(strings.TrimSpace(raw)))
	switch id {
	case IdentityHV, IdentityRC:
		return id, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIdentity, raw)
	}
}

func (id Identity) Bytes() []byte {
	return []byte(id)
}

func (id Identity) String() string {
	return string(id)
}

// State is the session state as evaluated by one side. It is never shared.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingHandshake
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
