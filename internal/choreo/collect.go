package choreo

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// Roles and messages of the threshold_collect protocol.
const (
	ProtocolThresholdCollect = "threshold_collect"

	RoleCoordinator = "Coordinator"
	RoleParticipant = "Participant"

	MsgRequest  = "Request"
	MsgMaterial = "Material"
	MsgResult   = "Result"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("choreo: cbor enc mode: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("choreo: cbor dec mode: " + err.Error())
	}
}

// Marshal encodes a payload in the deterministic wire form.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "encode choreography payload", err)
	}
	return b, nil
}

// Unmarshal decodes a payload.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.KindValidation, errs.CodeInvalid, "decode choreography payload", err)
	}
	return nil
}

// Provider supplies the material logic of a ThresholdCollect run: each
// participant generates material for a request, the coordinator validates
// each contribution, aggregates a quorum of them and verifies the result.
type Provider[M, R any] interface {
	ValidateContext(request []byte) error
	Generate(ctx context.Context, request []byte) (M, error)
	ValidateMaterial(request []byte, from ids.AuthorityID, material M) error
	Aggregate(request []byte, materials map[ids.AuthorityID]M) (R, error)
	Verify(request []byte, result R) error
}

// Collect runs the coordinator side: broadcast request, gather threshold
// valid materials, aggregate, verify and broadcast the result. Invalid
// materials are dropped and do not count toward the threshold.
func Collect[M, R any](ctx context.Context, ep *Endpoint, p Provider[M, R], request []byte, threshold int, timeout time.Duration) (R, error) {
	var zero R
	if n := len(ep.Peers(RoleParticipant)); threshold < 1 || threshold > n {
		return zero, errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "threshold %d outside 1..%d", threshold, n)
	}
	if err := p.ValidateContext(request); err != nil {
		return zero, err
	}
	if err := ep.SendAll(ctx, MsgRequest, request); err != nil {
		return zero, err
	}
	materials, err := Gather(ctx, ep, MsgMaterial, threshold, timeout, func(from ids.AuthorityID, m M) error {
		return p.ValidateMaterial(request, from, m)
	})
	if err != nil {
		return zero, err
	}
	result, err := p.Aggregate(request, materials)
	if err != nil {
		return zero, err
	}
	if err := p.Verify(request, result); err != nil {
		return zero, err
	}
	wire, err := Marshal(result)
	if err != nil {
		return zero, err
	}
	if err := ep.SendAll(ctx, MsgResult, wire); err != nil {
		return zero, err
	}
	return result, nil
}

// Respond runs the participant side and returns the verified result.
func Respond[M, R any](ctx context.Context, ep *Endpoint, p Provider[M, R], timeout time.Duration) (R, error) {
	var zero R
	req, err := ep.Recv(ctx, MsgRequest, timeout)
	if err != nil {
		return zero, err
	}
	if err := p.ValidateContext(req.Payload); err != nil {
		return zero, err
	}
	m, err := p.Generate(ctx, req.Payload)
	if err != nil {
		return zero, err
	}
	wire, err := Marshal(m)
	if err != nil {
		return zero, err
	}
	if err := ep.Send(ctx, req.From, MsgMaterial, wire); err != nil {
		return zero, err
	}
	res, err := ep.Recv(ctx, MsgResult, timeout)
	if err != nil {
		return zero, err
	}
	var result R
	if err := Unmarshal(res.Payload, &result); err != nil {
		return zero, err
	}
	if err := p.Verify(req.Payload, result); err != nil {
		return zero, err
	}
	return result, nil
}

// Gather receives label from distinct peers until need of them pass
// validate, then closes the action. Undecodable or invalid contributions
// are logged and skipped. Running out of time or peers before reaching
// need reports CEREMONY_THRESHOLD_NOT_REACHED.
func Gather[M any](ctx context.Context, ep *Endpoint, label string, need int, timeout time.Duration, validate func(ids.AuthorityID, M) error) (map[ids.AuthorityID]M, error) {
	out := make(map[ids.AuthorityID]M, need)
	deadline := ep.clock.NowMs() + timeout.Milliseconds()
	for len(out) < need {
		if a, ok := ep.Next(); !ok || a.Message != label {
			return nil, notReached(label, len(out), need, nil)
		}
		remaining := time.Duration(deadline-ep.clock.NowMs()) * time.Millisecond
		msg, err := ep.Recv(ctx, label, remaining)
		if err != nil {
			if errs.IsKind(err, errs.KindTimeout) {
				return nil, notReached(label, len(out), need, err)
			}
			return nil, err
		}
		var m M
		if err := Unmarshal(msg.Payload, &m); err != nil {
			ep.logger.Warn("undecodable contribution dropped", "message", label, "peer", msg.From.String(), "error", err)
			continue
		}
		if err := validate(msg.From, m); err != nil {
			ep.logger.Warn("invalid contribution dropped", "message", label, "peer", msg.From.String(), "error", err)
			continue
		}
		out[msg.From] = m
	}
	if a, ok := ep.Next(); ok && a.Message == label {
		if err := ep.Close(label); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func notReached(label string, got, need int, cause error) error {
	if cause == nil {
		return errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached, "%s: %d of %d contributions", label, got, need)
	}
	return errs.Wrap(errs.KindCeremony, errs.CodeThresholdNotReached, "collect "+label, cause)
}
