package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/journal"
)

// FailureInfo describes why a protocol failed.
type FailureInfo struct {
	Protocol string
	Kind     errs.Kind
	Code     errs.Code
	Message  string
	Attempts int64
	At       int64
	// Fatal is set for invariant breaches.
	Fatal bool
	// Sessions counts the ceremonies failed when the protocol ended.
	Sessions int
	Err      error
}

// SecuritySummary is the journal's security state as a failed agent sees
// it. Issues are critical and block recovery; Warnings do not.
type SecuritySummary struct {
	ActiveDevices     int
	RemovedDevices    int
	Guardians         int
	RecoveryThreshold int
	Revocations       int
	ThresholdEpoch    uint64
	FailedCeremonies  int
	Issues            []string
	Warnings          []string
}

// Diagnostics is the structured report of a failed agent.
type Diagnostics struct {
	Failure        FailureInfo
	FailedSessions int
	History        []FailureInfo
	Completed      int
	Retryable      bool
	Advice         string
	Security       SecuritySummary
}

// Failed is an agent whose last protocol failed.
type Failed struct {
	handle
	info FailureInfo
}

// Info returns the failure that put the agent here.
func (a *Failed) Info() FailureInfo { return a.info }

// Diagnostics reports the failure, the failure history, advice on
// retrying and the current security state.
func (a *Failed) Diagnostics() Diagnostics {
	c := a.core
	sec := c.security()
	failed := 0
	for _, f := range c.failures {
		failed += f.Sessions
	}
	return Diagnostics{
		Failure:        a.info,
		FailedSessions: max(failed, sec.FailedCeremonies),
		History:        append([]FailureInfo(nil), c.failures...),
		Completed:      c.completed,
		Retryable:      errs.Retryable(a.info.Err),
		Advice:         advice(a.info),
		Security:       sec,
	}
}

// Recover cleans up the ceremonies this device left collecting and
// returns to Idle. A critical issue in the security state keeps the agent
// failed: Recover returns an error and a stays usable.
func (a *Failed) Recover(ctx context.Context) (*Idle, error) {
	if err := a.live(); err != nil {
		return nil, err
	}
	c := a.core
	cause := errs.Newf(errs.KindProtocol, errs.CodeCancelled, "cleanup after %s failure", a.info.Protocol)
	cleaned := c.terminate(ctx, cause)
	if c.coord != nil {
		c.coord.Tick(ctx)
	}
	if sec := c.security(); len(sec.Issues) > 0 {
		c.logger.Warn("agent recovery refused", "device_id", c.device.String(), "issues", strings.Join(sec.Issues, "; "))
		return nil, errs.Newf(errs.KindProtocol, errs.CodeUnexpectedState, "security state blocks recovery: %s", strings.Join(sec.Issues, "; "))
	}
	c, err := a.take()
	if err != nil {
		return nil, err
	}
	c.logger.Info("agent recovered", "device_id", c.device.String(), "protocol", a.info.Protocol, "sessions", cleaned)
	return &Idle{handle: newHandle(c)}, nil
}

func (c *core) security() SecuritySummary {
	var s SecuritySummary
	if c.journal == nil {
		s.Warnings = append(s.Warnings, "no journal to check")
		return s
	}
	st := c.journal.State()
	for d := range st.Devices {
		if _, removed := st.Removed[d]; !removed {
			s.ActiveDevices++
		}
	}
	s.RemovedDevices = len(st.Removed)
	s.Guardians = len(st.Guardians)
	s.RecoveryThreshold = int(st.RecoveryThreshold)
	s.Revocations = len(st.Revocations)
	for epoch := range st.ThresholdKeys {
		s.ThresholdEpoch = max(s.ThresholdEpoch, epoch)
	}
	for _, rec := range st.Ceremonies {
		if rec.Status == journal.CeremonyFailed {
			s.FailedCeremonies++
		}
	}

	if _, removed := st.Removed[c.device]; removed {
		s.Issues = append(s.Issues, fmt.Sprintf("device %s was removed", c.device))
	} else if _, ok := st.Devices[c.device]; !ok && len(st.Devices) > 0 {
		s.Issues = append(s.Issues, fmt.Sprintf("device %s is not registered", c.device))
	}
	if len(st.ThresholdKeys) == 0 {
		s.Warnings = append(s.Warnings, "no threshold key recorded")
	}
	if s.RecoveryThreshold > s.Guardians {
		s.Warnings = append(s.Warnings, fmt.Sprintf("recovery threshold %d exceeds %d guardians", s.RecoveryThreshold, s.Guardians))
	}
	return s
}

func advice(f FailureInfo) string {
	switch {
	case f.Fatal:
		return "invariant breach: inspect the logs before retrying"
	case f.Kind == errs.KindNetwork, f.Kind == errs.KindTimeout:
		return fmt.Sprintf("transient failure after %d attempts: retry once peers are reachable", f.Attempts)
	case f.Kind == errs.KindAuthorization:
		return "refresh or reissue the capabilities the protocol needs"
	case f.Kind == errs.KindAuthentication:
		return "check the device keys registered in the journal"
	case f.Kind == errs.KindCrypto:
		return "re-run key generation or resharing before retrying"
	case f.Kind == errs.KindCeremony:
		return "start a new ceremony with responsive participants"
	case f.Code == errs.CodeCancelled:
		return "protocol was cancelled: start it again when ready"
	default:
		return "not retryable: fix the cause and start the protocol again"
	}
}
