// Package authz makes access decisions. A request is authenticated, its
// capabilities are verified at the request time, policy rules are
// evaluated and an allowed request is given the basis it was allowed on.
package authz

import (
	"fmt"

	"github.com/roach88/aura/internal/ids"
)

// Outcome is the kind of decision.
type Outcome uint8

const (
	Allow Outcome = iota + 1
	Deny
	RequiresVerification
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case RequiresVerification:
		return "requires-verification"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// BasisKind is why an allowed request was allowed.
type BasisKind uint8

const (
	BasisCapability BasisKind = iota + 1
	BasisDirectAuthority
	BasisThreshold
	BasisAdminOverride
)

func (k BasisKind) String() string {
	switch k {
	case BasisCapability:
		return "capability"
	case BasisDirectAuthority:
		return "direct-authority"
	case BasisThreshold:
		return "threshold"
	case BasisAdminOverride:
		return "admin-override"
	default:
		return fmt.Sprintf("basis(%d)", uint8(k))
	}
}

// Basis describes an Allow. Capability and ChainLength are set for
// BasisCapability; M and N for BasisThreshold.
type Basis struct {
	Kind        BasisKind
	Capability  ids.CapabilityID
	ChainLength int
	M, N        int
}

// ChallengeKind is a verification the requester still has to provide.
type ChallengeKind uint8

const (
	ChallengeThresholdSignature ChallengeKind = iota + 1
	ChallengeCapability
	ChallengeGuardianApproval
	ChallengeTimeDelay
)

func (k ChallengeKind) String() string {
	switch k {
	case ChallengeThresholdSignature:
		return "threshold-signature"
	case ChallengeCapability:
		return "capability"
	case ChallengeGuardianApproval:
		return "guardian-approval"
	case ChallengeTimeDelay:
		return "time-delay"
	default:
		return fmt.Sprintf("challenge(%d)", uint8(k))
	}
}

// Challenge is one unmet requirement. Required and Current count
// signers for a threshold challenge and approvals for a guardian
// challenge. Name is the permission a capability challenge asks for;
// Hours is the delay still to wait.
type Challenge struct {
	Kind     ChallengeKind
	Required int
	Current  int
	Name     string
	Hours    int
}

// Decision is the result of Decide. Err carries the typed cause of a Deny
// that came from authentication or capability verification.
type Decision struct {
	Outcome    Outcome
	Basis      *Basis
	Reason     string
	Challenges []Challenge
	Err        error
}

// Allowed reports whether the decision is Allow.
func (d Decision) Allowed() bool { return d.Outcome == Allow }

func allow(b Basis) Decision { return Decision{Outcome: Allow, Basis: &b} }

func deny(reason string, err error) Decision {
	return Decision{Outcome: Deny, Reason: reason, Err: err}
}
