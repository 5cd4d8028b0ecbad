package sim

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/aura/internal/errs"
)

// Scenario describes one simulated signing ceremony.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	Seed         uint64 `yaml:"seed"`
	Participants int    `yaml:"participants"`
	Threshold    int    `yaml:"threshold"`

	// Message is signed by the group. Defaults to the scenario name.
	Message   string `yaml:"message,omitempty"`
	TimeoutMs int64  `yaml:"timeout_ms,omitempty"`
	StartMs   int64  `yaml:"start_ms,omitempty"`

	Network    Link        `yaml:"network"`
	Links      []LinkRule  `yaml:"links,omitempty"`
	Partitions []Partition `yaml:"partitions,omitempty"`
	Byzantine  []Byzantine `yaml:"byzantine,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// LinkRule overrides the shaping of one direction. Share holders are
// numbered from 1. Index 0 names the coordinator, a separate device that
// drives the ceremony and holds no share; a 1-of-1 account has none and
// participant 1 signs alone.
type LinkRule struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
	Link `yaml:",inline"`
}

// Partition places a participant in a partition group.
type Partition struct {
	Participant int `yaml:"participant"`
	Group       int `yaml:"group"`
}

// Byzantine makes a participant drop everything it sends to DropTo and,
// with CorruptShares, hold a damaged share so its signature shares do not
// verify.
type Byzantine struct {
	Participant   int   `yaml:"participant"`
	DropTo        []int `yaml:"drop_to,omitempty"`
	CorruptShares bool  `yaml:"corrupt_shares,omitempty"`
}

// Expect is checked against the run result.
type Expect struct {
	Committed *bool `yaml:"committed,omitempty"`
	Signers   []int `yaml:"signers,omitempty"`
}

// DefaultTimeoutMs is the ceremony deadline when a scenario names none.
const DefaultTimeoutMs = 30_000

// LoadScenario reads and validates a scenario YAML file. Unknown fields
// are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, errs.CodeInvalidConfig, "read scenario file", err).With("path", path)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, errs.CodeInvalidConfig, "parse scenario yaml", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks required fields and participant references.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return errs.New(errs.KindConfiguration, errs.CodeMissingField, "scenario name is required").With("field", "name")
	}
	if s.Participants < 1 {
		return errs.New(errs.KindConfiguration, errs.CodeMissingField, "at least one participant is required").With("field", "participants")
	}
	if s.Threshold < 1 || s.Threshold > s.Participants {
		return errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "threshold %d outside 1..%d", s.Threshold, s.Participants)
	}
	if s.TimeoutMs < 0 || s.Network.DelayMs < 0 || s.Network.JitterMs < 0 {
		return errs.New(errs.KindConfiguration, errs.CodeInvalidConfig, "timings must not be negative")
	}
	if s.Network.Loss < 0 || s.Network.Loss > 1 {
		return errs.Newf(errs.KindConfiguration, errs.CodeInvalidConfig, "loss %v outside [0, 1]", s.Network.Loss)
	}
	ref := func(from int) func(string, int) error {
		return func(field string, p int) error {
			if p < from || p > s.Participants {
				return errs.Newf(errs.KindConfiguration, errs.CodeInvalidConfig, "%s names participant %d of %d", field, p, s.Participants)
			}
			return nil
		}
	}
	device, holder := ref(0), ref(1)
	for _, l := range s.Links {
		if err := device("links", l.From); err != nil {
			return err
		}
		if err := device("links", l.To); err != nil {
			return err
		}
	}
	for _, p := range s.Partitions {
		if err := device("partitions", p.Participant); err != nil {
			return err
		}
	}
	for _, b := range s.Byzantine {
		if err := holder("byzantine", b.Participant); err != nil {
			return err
		}
		for _, to := range b.DropTo {
			if err := device("byzantine.drop_to", to); err != nil {
				return err
			}
		}
	}
	if s.Expect != nil {
		for _, p := range s.Expect.Signers {
			if err := holder("expect.signers", p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scenario) timeout() int64 {
	if s.TimeoutMs > 0 {
		return s.TimeoutMs
	}
	return DefaultTimeoutMs
}

// single reports a 1-of-1 account, which signs without a coordinator.
func (s *Scenario) single() bool { return s.Participants == 1 && s.Threshold == 1 }

func (s *Scenario) message() []byte {
	if s.Message != "" {
		return []byte(s.Message)
	}
	return []byte(s.Name)
}
