// Package capability implements chainable, signed capability tokens.
//
// A token grants its holder an ordered list of permissions. A child token
// is derived from a parent by narrowing the permission set; its id commits
// to the parent id, the holder and the scope, so a chain cannot be
// rewritten without changing every descendant id.
package capability

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/aura/internal/errs"
)

// PermissionKind is the closed set of permission families.
type PermissionKind uint8

const (
	PermStorage PermissionKind = iota + 1
	PermCommunication
	PermRelay
	PermDeviceAuth
)

func (k PermissionKind) String() string {
	switch k {
	case PermStorage:
		return "storage"
	case PermCommunication:
		return "communication"
	case PermRelay:
		return "relay"
	case PermDeviceAuth:
		return "device-auth"
	}
	return "unknown"
}

// Operation privilege within each family. A higher level implies the
// lower ones.
var privilege = map[PermissionKind]map[string]int{
	PermStorage:       {"read": 1, "write": 2, "delete": 3, "admin": 4},
	PermCommunication: {"receive": 1, "send": 2, "admin": 3},
	PermRelay:         {"forward": 1, "store": 2, "admin": 3},
	PermDeviceAuth:    {"": 1},
}

// Permission is one grant. Target is a resource path pattern for storage
// and a relation pattern for communication; for relay it is unused and
// Trust carries the highest trust level the holder may relay at.
type Permission struct {
	Kind   PermissionKind `cbor:"1,keyasint"`
	Op     string         `cbor:"2,keyasint,omitempty"`
	Target string         `cbor:"3,keyasint,omitempty"`
	Trust  uint8          `cbor:"4,keyasint,omitempty"`
}

func Storage(op, resource string) Permission {
	return Permission{Kind: PermStorage, Op: op, Target: resource}
}

func Communication(op, relation string) Permission {
	return Permission{Kind: PermCommunication, Op: op, Target: relation}
}

func Relay(op string, trust uint8) Permission {
	return Permission{Kind: PermRelay, Op: op, Trust: trust}
}

func DeviceAuth() Permission { return Permission{Kind: PermDeviceAuth} }

// Validate checks the operation belongs to the family.
func (p Permission) Validate() error {
	ops, ok := privilege[p.Kind]
	if !ok {
		return errs.Newf(errs.KindValidation, errs.CodeInvalid, "unknown permission kind %d", p.Kind)
	}
	if _, ok := ops[p.Op]; !ok {
		return errs.Newf(errs.KindValidation, errs.CodeInvalid, "operation %q not valid for %s", p.Op, p.Kind)
	}
	return nil
}

// Covers reports whether p grants req: same family, at least the same
// privilege, and a target pattern matching req's target.
func (p Permission) Covers(req Permission) bool {
	if p.Kind != req.Kind {
		return false
	}
	ops := privilege[p.Kind]
	have, ok1 := ops[p.Op]
	want, ok2 := ops[req.Op]
	if !ok1 || !ok2 || have < want {
		return false
	}
	switch p.Kind {
	case PermStorage, PermCommunication:
		return MatchResource(p.Target, req.Target)
	case PermRelay:
		return p.Trust >= req.Trust
	}
	return true
}

// String renders the scope form used in journal facts, e.g.
// "storage:read:/docs/**" or "relay:forward:2".
func (p Permission) String() string {
	switch p.Kind {
	case PermStorage, PermCommunication:
		return p.Kind.String() + ":" + p.Op + ":" + p.Target
	case PermRelay:
		return p.Kind.String() + ":" + p.Op + ":" + strconv.Itoa(int(p.Trust))
	case PermDeviceAuth:
		return p.Kind.String()
	}
	return fmt.Sprintf("unknown(%d)", p.Kind)
}

// ParsePermission reverses String.
func ParsePermission(s string) (Permission, error) {
	if s == "device-auth" {
		return DeviceAuth(), nil
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Permission{}, errs.Newf(errs.KindValidation, errs.CodeInvalid, "malformed permission %q", s)
	}
	var p Permission
	switch parts[0] {
	case "storage":
		p = Storage(parts[1], parts[2])
	case "communication":
		p = Communication(parts[1], parts[2])
	case "relay":
		n, err := strconv.ParseUint(parts[2], 10, 8)
		if err != nil {
			return Permission{}, errs.Wrap(errs.KindValidation, errs.CodeInvalid, "relay trust level", err)
		}
		p = Relay(parts[1], uint8(n))
	default:
		return Permission{}, errs.Newf(errs.KindValidation, errs.CodeInvalid, "unknown permission family %q", parts[0])
	}
	return p, p.Validate()
}

// Scope renders a permission list in order.
func Scope(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}

// ParseScope reverses Scope.
func ParseScope(scope []string) ([]Permission, error) {
	out := make([]Permission, 0, len(scope))
	for _, s := range scope {
		p, err := ParsePermission(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// IsSubset reports whether every permission in child is covered by some
// permission in parent.
func IsSubset(child, parent []Permission) bool {
	for _, c := range child {
		if !anyCovers(parent, c) {
			return false
		}
	}
	return true
}

func anyCovers(perms []Permission, req Permission) bool {
	for _, p := range perms {
		if p.Covers(req) {
			return true
		}
	}
	return false
}

// MatchResource matches a slash-separated resource against a pattern.
// "*" matches exactly one segment and "**" matches zero or more. Leading
// and trailing slashes are ignored.
func MatchResource(pattern, resource string) bool {
	p := strings.Trim(pattern, "/")
	r := strings.Trim(resource, "/")
	switch {
	case p == r:
		return true
	case p == "**":
		return true
	case p == "" || r == "":
		return false
	}
	return matchSegments(strings.Split(p, "/"), strings.Split(r, "/"))
}

func matchSegments(pattern, target []string) bool {
	for len(pattern) > 0 && len(target) > 0 {
		switch pattern[0] {
		case "**":
			if matchSegments(pattern[1:], target) {
				return true
			}
			target = target[1:]
			continue
		case "*", target[0]:
		default:
			return false
		}
		pattern, target = pattern[1:], target[1:]
	}
	for len(pattern) > 0 && pattern[0] == "**" {
		pattern = pattern[1:]
	}
	return len(pattern) == 0 && len(target) == 0
}
