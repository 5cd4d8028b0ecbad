package authz

import (
	"strconv"

	"github.com/roach88/aura/internal/capability"
)

// Context keys the default requirements read from a request.
const (
	ContextGuardianApprovals = "guardian_approvals"
	ContextRequestedAt       = "requested_at"
	ContextOverride          = "override"
)

// Effect is what a matching rule does.
type Effect uint8

const (
	// EffectRequire adds the rule's requirements to the request.
	EffectRequire Effect = iota + 1
	// EffectDeny refuses the request outright.
	EffectDeny
)

// Requirement is a condition a rule attaches to matching requests.
type Requirement struct {
	Kind ChallengeKind
	// Count is the signer count for a threshold signature and the
	// approval count for guardian approval.
	Count int
	// Name is the permission a capability requirement needs, in
	// capability.ParsePermission form.
	Name  string
	Hours int
}

// Rule matches requests for permissions of Kind whose target matches
// Target.
type Rule struct {
	Name         string
	Kind         capability.PermissionKind
	Target       string
	Effect       Effect
	Requirements []Requirement
}

func (r Rule) matches(p capability.Permission) bool {
	if r.Kind != p.Kind {
		return false
	}
	if r.Target == "" {
		return true
	}
	return capability.MatchResource(r.Target, p.Target)
}

// Evaluation is the policy step's verdict before a basis is chosen.
type Evaluation uint8

const (
	EvalAllow Evaluation = iota + 1
	EvalDeny
	EvalInconclusive
	EvalConditional
)

type facts struct {
	req      *Request
	now      int64
	data     map[string]string
	verified []*capability.Token
	signers  int
}

func (f *facts) hasPermission(p capability.Permission) bool {
	for _, t := range f.verified {
		if t.Permits(p) {
			return true
		}
	}
	return false
}

func (f *facts) contextInt(key string) (int64, bool) {
	v, ok := f.req.Context[key]
	if !ok {
		if v, ok = f.data[key]; !ok {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

const hourMs = 3_600_000

// unmet returns the challenge for r, or false when r is satisfied.
func (f *facts) unmet(r Requirement) (Challenge, bool) {
	switch r.Kind {
	case ChallengeThresholdSignature:
		if f.signers >= r.Count {
			return Challenge{}, false
		}
		return Challenge{Kind: r.Kind, Required: r.Count, Current: f.signers}, true
	case ChallengeCapability:
		if p, err := capability.ParsePermission(r.Name); err == nil && f.hasPermission(p) {
			return Challenge{}, false
		}
		return Challenge{Kind: r.Kind, Name: r.Name}, true
	case ChallengeGuardianApproval:
		n, _ := f.contextInt(ContextGuardianApprovals)
		if int(n) >= r.Count {
			return Challenge{}, false
		}
		return Challenge{Kind: r.Kind, Required: r.Count, Current: int(n)}, true
	case ChallengeTimeDelay:
		at, ok := f.contextInt(ContextRequestedAt)
		if !ok {
			return Challenge{Kind: r.Kind, Hours: r.Hours}, true
		}
		waited := f.now - at
		if waited >= int64(r.Hours)*hourMs {
			return Challenge{}, false
		}
		left := (int64(r.Hours)*hourMs - waited + hourMs - 1) / hourMs
		return Challenge{Kind: r.Kind, Hours: int(left)}, true
	default:
		return Challenge{Kind: r.Kind}, true
	}
}

// evaluate applies rules to the request. A deny rule wins; otherwise any
// unmet requirement makes the verdict conditional. No matching rule is
// inconclusive.
func evaluate(rules []Rule, f *facts) (Evaluation, string, []Challenge) {
	var challenges []Challenge
	matched := false
	for _, r := range rules {
		if !r.matches(f.req.Permission) {
			continue
		}
		matched = true
		if r.Effect == EffectDeny {
			return EvalDeny, "denied by rule " + r.Name, nil
		}
		for _, req := range r.Requirements {
			if c, ok := f.unmet(req); ok {
				challenges = append(challenges, c)
			}
		}
	}
	switch {
	case len(challenges) > 0:
		return EvalConditional, "", challenges
	case !matched:
		return EvalInconclusive, "", nil
	}
	return EvalAllow, "", nil
}
