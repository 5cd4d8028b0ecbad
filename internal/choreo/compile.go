package choreo

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/aura/internal/capability"
)

//go:embed protocols/*.cue
var protocolFS embed.FS

const schemaFile = "protocols/schema.cue"

// Role is a participant position in a choreography.
type Role struct {
	Name string
	// Many marks a role bound to several peers; sends to it fan out and
	// receives from it gather.
	Many bool
}

// Step is one message pass of the global choreography.
type Step struct {
	From     string
	To       string
	Message  string
	Guard    *capability.Permission
	Cost     uint64
	Leakage  uint64
	Fact     string
	Optional bool
}

// Choreography is a compiled global protocol.
type Choreography struct {
	Name  string
	Roles map[string]Role
	Steps []Step
}

// RoleNames returns the declared roles, sorted.
func (c *Choreography) RoleNames() []string {
	out := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CompileError reports a malformed protocol definition with its CUE
// position when one is known.
type CompileError struct {
	Protocol string
	Field    string
	Message  string
	Pos      token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s.%s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Protocol, e.Field, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s", e.Protocol, e.Field, e.Message)
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(protocol string, err error) error {
	if err == nil {
		return nil
	}
	list := errors.Errors(err)
	if len(list) == 0 {
		return err
	}
	first := list[0]
	ce := &CompileError{Protocol: protocol, Field: "cue", Message: first.Error()}
	if pos := errors.Positions(first); len(pos) > 0 {
		ce.Pos = pos[0]
	}
	return ce
}

type rawRole struct {
	Many bool `json:"many"`
}

type rawStep struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Message  string `json:"message"`
	Guard    string `json:"guard"`
	Cost     uint64 `json:"cost"`
	Leakage  uint64 `json:"leakage"`
	Fact     string `json:"fact"`
	Optional bool   `json:"optional"`
}

type rawProtocol struct {
	Roles map[string]rawRole `json:"roles"`
	Steps []rawStep          `json:"steps"`
}

// Compile builds every protocol defined at the top level of src, checking
// each against the embedded schema.
func Compile(filename string, src []byte) (map[string]*Choreography, error) {
	ctx := cuecontext.New()
	schemaSrc, err := protocolFS.ReadFile(schemaFile)
	if err != nil {
		return nil, fmt.Errorf("read protocol schema: %w", err)
	}
	schema := ctx.CompileBytes(schemaSrc, cue.Filename(schemaFile))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError("schema", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Protocol"))

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(filename, err)
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(filename, err)
	}
	out := make(map[string]*Choreography)
	for iter.Next() {
		name := iter.Selector().String()
		c, err := compileOne(name, def.Unify(iter.Value()))
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}

func compileOne(name string, v cue.Value) (*Choreography, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(name, err)
	}
	var raw rawProtocol
	if err := v.Decode(&raw); err != nil {
		return nil, formatCUEError(name, err)
	}
	c := &Choreography{Name: name, Roles: make(map[string]Role, len(raw.Roles))}
	for rn, r := range raw.Roles {
		c.Roles[rn] = Role{Name: rn, Many: r.Many}
	}
	for i, rs := range raw.Steps {
		st := Step{
			From:     rs.From,
			To:       rs.To,
			Message:  rs.Message,
			Cost:     rs.Cost,
			Leakage:  rs.Leakage,
			Fact:     rs.Fact,
			Optional: rs.Optional,
		}
		if rs.Guard != "" {
			p, err := capability.ParsePermission(rs.Guard)
			if err != nil {
				return nil, &CompileError{Protocol: name, Field: fmt.Sprintf("steps[%d].guard", i), Message: err.Error(), Pos: v.Pos()}
			}
			st.Guard = &p
		}
		c.Steps = append(c.Steps, st)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the structural rules projection relies on: at least one
// step, declared roles, no self-sends, no many-to-many steps, and unique
// message labels.
func (c *Choreography) Validate() error {
	if len(c.Steps) == 0 {
		return &CompileError{Protocol: c.Name, Field: "steps", Message: "at least one step is required"}
	}
	seen := make(map[string]int, len(c.Steps))
	for i, st := range c.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		from, ok := c.Roles[st.From]
		if !ok {
			return &CompileError{Protocol: c.Name, Field: field, Message: fmt.Sprintf("undeclared role %q", st.From)}
		}
		to, ok := c.Roles[st.To]
		if !ok {
			return &CompileError{Protocol: c.Name, Field: field, Message: fmt.Sprintf("undeclared role %q", st.To)}
		}
		if st.From == st.To {
			return &CompileError{Protocol: c.Name, Field: field, Message: "a role cannot message itself"}
		}
		if from.Many && to.Many {
			return &CompileError{Protocol: c.Name, Field: field, Message: "many-to-many steps are not supported"}
		}
		if j, dup := seen[st.Message]; dup {
			return &CompileError{Protocol: c.Name, Field: field, Message: fmt.Sprintf("message %q already used by steps[%d]", st.Message, j)}
		}
		seen[st.Message] = i
	}
	return nil
}

var (
	builtinOnce sync.Once
	builtin     map[string]*Choreography
	builtinErr  error
)

// Builtin returns the protocols embedded in the binary.
func Builtin() (map[string]*Choreography, error) {
	builtinOnce.Do(func() {
		builtin = make(map[string]*Choreography)
		entries, err := protocolFS.ReadDir("protocols")
		if err != nil {
			builtinErr = err
			return
		}
		for _, e := range entries {
			file := path.Join("protocols", e.Name())
			if file == schemaFile || !strings.HasSuffix(file, ".cue") {
				continue
			}
			src, err := protocolFS.ReadFile(file)
			if err != nil {
				builtinErr = err
				return
			}
			set, err := Compile(file, src)
			if err != nil {
				builtinErr = err
				return
			}
			for name, c := range set {
				builtin[name] = c
			}
		}
	})
	return builtin, builtinErr
}

// Lookup returns one embedded protocol by name.
func Lookup(name string) (*Choreography, error) {
	all, err := Builtin()
	if err != nil {
		return nil, err
	}
	c, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
	return c, nil
}

// MustLookup is Lookup for the built-in protocol names, which are known to
// compile.
func MustLookup(name string) *Choreography {
	c, err := Lookup(name)
	if err != nil {
		panic("choreo: " + err.Error())
	}
	return c
}
