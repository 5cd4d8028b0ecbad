package choreo

import (
	"fmt"
	"strings"

	"github.com/roach88/aura/internal/capability"
)

// ActionKind is the direction of a local session action.
type ActionKind uint8

const (
	ActSend ActionKind = iota + 1
	ActRecv
)

func (k ActionKind) String() string {
	if k == ActSend {
		return "send"
	}
	return "recv"
}

// Action is one step of a projected session: a send to, or receive from,
// the peer role.
type Action struct {
	Kind     ActionKind
	Peer     string
	Message  string
	Many     bool
	Optional bool
	Guard    *capability.Permission
	Cost     uint64
	Leakage  uint64
	Fact     string
}

func (a Action) String() string {
	arrow := "!"
	if a.Kind == ActRecv {
		arrow = "?"
	}
	peer := a.Peer
	if a.Many {
		peer += "*"
	}
	return peer + arrow + a.Message
}

// SessionType is the linear sequence of actions one role performs.
type SessionType struct {
	Protocol string
	Role     string
	Actions  []Action
}

func (s *SessionType) String() string {
	parts := make([]string, len(s.Actions))
	for i, a := range s.Actions {
		parts[i] = a.String()
	}
	return s.Role + ": " + strings.Join(parts, ".") + ".end"
}

// index returns the position of the action carrying message, or -1.
func (s *SessionType) index(message string) int {
	for i, a := range s.Actions {
		if a.Message == message {
			return i
		}
	}
	return -1
}

// Project derives role's session type. Steps not involving role are
// omitted; flow annotations stay on the sending side.
func Project(c *Choreography, role string) (*SessionType, error) {
	if _, ok := c.Roles[role]; !ok {
		return nil, fmt.Errorf("protocol %s has no role %q", c.Name, role)
	}
	st := &SessionType{Protocol: c.Name, Role: role}
	for _, step := range c.Steps {
		switch role {
		case step.From:
			st.Actions = append(st.Actions, Action{
				Kind:     ActSend,
				Peer:     step.To,
				Message:  step.Message,
				Many:     c.Roles[step.To].Many,
				Optional: step.Optional,
				Guard:    step.Guard,
				Cost:     step.Cost,
				Leakage:  step.Leakage,
				Fact:     step.Fact,
			})
		case step.To:
			st.Actions = append(st.Actions, Action{
				Kind:     ActRecv,
				Peer:     step.From,
				Message:  step.Message,
				Many:     c.Roles[step.From].Many,
				Optional: step.Optional,
			})
		}
	}
	return st, nil
}

// ProjectAll projects every role.
func ProjectAll(c *Choreography) (map[string]*SessionType, error) {
	out := make(map[string]*SessionType, len(c.Roles))
	for _, r := range c.RoleNames() {
		st, err := Project(c, r)
		if err != nil {
			return nil, err
		}
		out[r] = st
	}
	return out, nil
}

// Dual reports whether a and b agree on every message they exchange: each
// send of a to b's role is a receive in b from a's role, in the same
// relative order.
func Dual(a, b *SessionType) bool {
	ab := exchanged(a, b.Role)
	ba := exchanged(b, a.Role)
	if len(ab) != len(ba) {
		return false
	}
	for i := range ab {
		if ab[i].Message != ba[i].Message || ab[i].Kind == ba[i].Kind {
			return false
		}
	}
	return true
}

func exchanged(s *SessionType, peer string) []Action {
	var out []Action
	for _, a := range s.Actions {
		if a.Peer == peer {
			out = append(out, a)
		}
	}
	return out
}
