package ceremony

import (
	"context"
	"encoding/hex"
	"slices"
	"strconv"
	"time"

	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/threshold"
)

func (c *Coordinator) requireEngine() error {
	if c.engine == nil {
		return errs.New(errs.KindConfiguration, errs.CodeInvalidConfig, "ceremony drivers need a threshold engine")
	}
	return nil
}

// checkParticipants refuses participant sets that include the coordinator:
// it drives the ceremony and holds no share in it.
func (c *Coordinator) checkParticipants(groups ...[]Participant) error {
	for _, ps := range groups {
		for _, p := range ps {
			if p.Device == c.self.Device || p.Address == c.self.Address {
				return errs.Newf(errs.KindValidation, errs.CodeInvalid, "coordinator %s cannot be a participant of its own ceremony", p.Device)
			}
		}
	}
	return nil
}

func (c *Coordinator) remaining(cer Ceremony) time.Duration {
	return max(time.Duration(cer.Deadline-c.rt.Time.NowMs())*time.Millisecond, 0)
}

func (c *Coordinator) transport(session ids.ContextID, role string) (effects.TransportEffects, func()) {
	if c.router == nil {
		return c.rt.Network, func() {}
	}
	return c.router.Route(session, role), func() { c.router.Release(session, role) }
}

// screen accepts a choreography message only if its ceremony headers name
// this ceremony and protocol and pass check.
func screen(protocol string, ceremony ids.CeremonyID, check func(choreo.Message, Headers) error) func(choreo.Message) error {
	return func(m choreo.Message) error {
		h, err := ParseHeaders(m.Metadata)
		if err != nil {
			return err
		}
		if h.Ceremony != ceremony {
			return malformed("envelope for ceremony %s", h.Ceremony)
		}
		if want := ContentType(protocol, m.Label); h.ContentType != want {
			return malformed("content type %q, want %q", h.ContentType, want)
		}
		return check(m, h)
	}
}

// endpoint opens the coordinator role of protocol for cer. devices maps
// every peer address to the device expected behind it.
func (c *Coordinator) endpoint(cer Ceremony, protocol string, peers map[string][]ids.AuthorityID, devices map[ids.AuthorityID]ids.DeviceID, extra func(label string, h *Headers)) (*choreo.Endpoint, func(), error) {
	return c.sessionEndpoint(cer.Context(), cer, protocol, peers, devices, extra)
}

func (c *Coordinator) sessionEndpoint(session ids.ContextID, cer Ceremony, protocol string, peers map[string][]ids.AuthorityID, devices map[ids.AuthorityID]ids.DeviceID, extra func(label string, h *Headers)) (*choreo.Endpoint, func(), error) {
	st, err := choreo.Project(choreo.MustLookup(protocol), choreo.RoleCoordinator)
	if err != nil {
		return nil, nil, err
	}
	net, release := c.transport(session, choreo.RoleCoordinator)
	interp := choreo.NewInterpreter(
		choreo.WithGuard(c.guard),
		choreo.WithMetadataStore(c.rt.Storage),
		choreo.WithInterpreterLogger(c.logger))
	opts := []choreo.EndpointOption{
		choreo.WithTransport(net),
		choreo.WithInterpreter(interp),
		choreo.WithEndpointLogger(c.logger),
		choreo.WithHeaders(func(to ids.AuthorityID, label string) map[string]string {
			h := Headers{
				ContentType:  ContentType(protocol, label),
				Ceremony:     cer.ID,
				PendingEpoch: cer.Epoch,
				Initiator:    c.self.Device,
				Participant:  devices[to],
			}
			if extra != nil {
				extra(label, &h)
			}
			return h.Metadata()
		}),
		choreo.WithFilter(screen(protocol, cer.ID, func(m choreo.Message, h Headers) error {
			if dev, ok := devices[m.From]; !ok || h.Acceptor != dev {
				return malformed("acceptor %s is not the device behind %s", h.Acceptor, m.From)
			}
			return nil
		})),
	}
	for role, addrs := range peers {
		opts = append(opts, choreo.WithPeers(role, addrs...))
	}
	return choreo.NewEndpoint(session, c.self.Address, st, c.rt, opts...), release, nil
}

func deviceMap(groups ...[]Participant) map[ids.AuthorityID]ids.DeviceID {
	out := make(map[ids.AuthorityID]ids.DeviceID)
	for _, ps := range groups {
		for _, p := range ps {
			out[p.Address] = p.Device
		}
	}
	return out
}

// abort fails the ceremony with cause unless it already committed, and
// returns cause.
func (c *Coordinator) abort(ctx context.Context, id ids.CeremonyID, cause error) error {
	if err := c.Fail(ctx, id, cause); err != nil {
		c.logger.Debug("ceremony ended after commit", "ceremony_id", id.String(), "error", cause)
	}
	return cause
}

// recordKeys appends the session events that make pub the account's
// threshold key for the ceremony's epoch.
func (c *Coordinator) recordKeys(ctx context.Context, cer Ceremony, protocol string, pub *frost.PublicKeyPackage) error {
	wire, err := choreo.Marshal(pub)
	if err != nil {
		return err
	}
	session := ThresholdSession(c.authority, cer.ID)
	err = c.record(ctx, journal.NewCreateSession(journal.CreateSession{
		Session:      session,
		Protocol:     protocol,
		Epoch:        cer.Epoch,
		Participants: cer.devices(),
		Threshold:    uint16(cer.Threshold),
	}))
	if err != nil {
		return err
	}
	return c.record(ctx, journal.NewUpdateSession(journal.UpdateSession{
		Session:       session,
		Status:        journal.SessionCommitted,
		Epoch:         cer.Epoch,
		PublicPackage: wire,
		GroupKey:      pub.GroupPublicKey,
		Threshold:     uint16(cer.Threshold),
		Participants:  uint16(len(cer.Participants)),
	}))
}

// tombstoneEpoch marks the journal record of a replaced epoch's key
// material as retired.
func (c *Coordinator) tombstoneEpoch(ctx context.Context, retired, next uint64) error {
	if c.journal == nil {
		return nil
	}
	key, ok := c.journal.State().ThresholdKeys[retired]
	if !ok {
		c.logger.Debug("no journal record for retired epoch", "epoch", retired)
		return nil
	}
	return c.record(ctx, journal.NewTombstone(key.Event(), "retired by reshare to epoch "+strconv.FormatUint(next, 10)))
}

// RunKeygen deals an m-of-n key set for spec.Epoch, distributes each
// package sealed to its holder, and commits once spec.Threshold holders
// acknowledge. Holders that acknowledge late still receive the commit.
func (c *Coordinator) RunKeygen(ctx context.Context, spec Spec) (*Commit, *frost.PublicKeyPackage, error) {
	if err := c.requireEngine(); err != nil {
		return nil, nil, err
	}
	if err := c.checkParticipants(spec.Participants); err != nil {
		return nil, nil, err
	}
	spec.Kind = KindKeygen
	cer, err := c.Start(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	commit, pub, err := c.keygen(ctx, cer)
	if err != nil {
		return nil, nil, c.abort(ctx, cer.ID, err)
	}
	return commit, pub, nil
}

func (c *Coordinator) keygen(ctx context.Context, cer Ceremony) (*Commit, *frost.PublicKeyPackage, error) {
	cfg, err := threshold.NewConfig(c.authority, cer.Epoch, cer.Threshold, cer.Addresses())
	if err != nil {
		return nil, nil, err
	}
	ks, err := c.engine.Deal(cfg)
	if err != nil {
		return nil, nil, err
	}
	cfgWire, err := choreo.Marshal(cfg)
	if err != nil {
		return nil, nil, err
	}
	pubWire, err := choreo.Marshal(&ks.Public)
	if err != nil {
		return nil, nil, err
	}
	ep, release, err := c.endpoint(cer, ProtocolKeygen,
		map[string][]ids.AuthorityID{choreo.RoleParticipant: cer.Addresses()},
		deviceMap(cer.Participants),
		func(label string, h *Headers) {
			if label == MsgKeyPackage {
				h.Config, h.Pubkey = cfgWire, pubWire
			}
		})
	if err != nil {
		return nil, nil, err
	}
	defer release()

	for i, p := range cer.Participants {
		kp, ok := ks.Package(frost.Identifier(i + 1))
		if !ok {
			return nil, nil, errs.Newf(errs.KindInternal, errs.CodeInvariant, "no package dealt for %d", i+1)
		}
		box, err := c.engine.SealPackage(p.Key, cer.Epoch, kp)
		if err != nil {
			return nil, nil, err
		}
		if err := ep.Send(ctx, p.Address, MsgKeyPackage, box); err != nil {
			return nil, nil, err
		}
	}

	_, err = choreo.Gather(ctx, ep, MsgAck, cer.Threshold, c.remaining(cer), func(from ids.AuthorityID, a Ack) error {
		return c.acknowledge(ctx, cer, &cfg, &ks.Public, from, a)
	})
	if err != nil {
		return nil, nil, err
	}
	commit, err := c.Commit(ctx, cer.ID, map[string]string{
		"epoch":     strconv.FormatUint(cer.Epoch, 10),
		"group_key": hex.EncodeToString(ks.Public.GroupPublicKey),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := c.engine.Install(ctx, cfg, &ks.Public, nil); err != nil {
		return nil, nil, err
	}
	if err := c.recordKeys(ctx, cer, ProtocolKeygen, &ks.Public); err != nil {
		return nil, nil, err
	}
	wire, err := EncodeCommit(commit)
	if err != nil {
		return nil, nil, err
	}
	if err := ep.SendAll(ctx, MsgCommit, wire); err != nil {
		return nil, nil, err
	}
	return commit, &ks.Public, nil
}

// acknowledge checks that an ack names the installed share and records
// it as a response.
func (c *Coordinator) acknowledge(ctx context.Context, cer Ceremony, cfg *threshold.Config, pub *frost.PublicKeyPackage, from ids.AuthorityID, a Ack) error {
	p, ok := cer.ByAddress(from)
	if !ok || p.Device != a.Device {
		return errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "ack from %s for device %s", from, a.Device)
	}
	id, ok := cfg.IdentifierOf(from)
	if !ok || !c.rt.Crypto.ConstantTimeEq(pub.VerifyingShares[id], a.VerifyingShare) {
		return errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "ack from %s names the wrong share", from)
	}
	_, err := c.RecordResponse(ctx, cer.ID, p.Device)
	return err
}

// RunSigning produces a threshold signature over message with the key of
// spec.Epoch. The threshold is the epoch's; spec.Threshold is ignored.
// Every participant that contributes a verified share is a response, and
// the commit rides on the final signature message.
func (c *Coordinator) RunSigning(ctx context.Context, spec Spec, message []byte) (*Commit, []byte, error) {
	return c.runSigning(ctx, spec, func() ([]byte, error) { return message, nil }, nil)
}

// SignEvent has the signer set of spec.Epoch authorize p and appends the
// resulting threshold-witnessed event to the journal. The event is
// prepared once the ceremony opens, so it follows the StartCeremony event.
func (c *Coordinator) SignEvent(ctx context.Context, spec Spec, p journal.Payload) (*journal.Event, *Commit, error) {
	if c.journal == nil {
		return nil, nil, errs.New(errs.KindConfiguration, errs.CodeInvalidConfig, "signing an event needs a journal")
	}
	var ev *journal.Event
	commit, _, err := c.runSigning(ctx, spec,
		func() ([]byte, error) {
			ev = c.journal.Prepare(c.self.Device, p)
			return ev.SealForThreshold(spec.Epoch)
		},
		func(sig []byte) error {
			ev.AttachSignature(sig)
			return c.journal.Append(ctx, ev)
		})
	if err != nil {
		return nil, nil, err
	}
	return ev, commit, nil
}

func (c *Coordinator) runSigning(ctx context.Context, spec Spec, message func() ([]byte, error), signed func([]byte) error) (*Commit, []byte, error) {
	if err := c.requireEngine(); err != nil {
		return nil, nil, err
	}
	if err := c.checkParticipants(spec.Participants); err != nil {
		return nil, nil, err
	}
	cfg, err := c.engine.LoadConfig(ctx, spec.Epoch)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range spec.Participants {
		if _, ok := cfg.IdentifierOf(p.Address); !ok {
			return nil, nil, errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "%s holds no share at epoch %d", p.Device, spec.Epoch)
		}
	}
	spec.Kind = KindSigning
	spec.Threshold = int(cfg.Threshold)
	cer, err := c.Start(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	commit, sig, err := c.signing(ctx, cer, message, signed)
	if err != nil {
		return nil, nil, c.abort(ctx, cer.ID, err)
	}
	return commit, sig, nil
}

func (c *Coordinator) signing(ctx context.Context, cer Ceremony, message func() ([]byte, error), signed func([]byte) error) (*Commit, []byte, error) {
	msg, err := message()
	if err != nil {
		return nil, nil, err
	}
	var commitWire []byte
	devices := deviceMap(cer.Participants)
	open := func(round int, invite []ids.AuthorityID) (*choreo.Endpoint, func(), error) {
		if round > 0 {
			c.logger.Info("signing round restarted", "ceremony_id", cer.ID.String(), "round", round, "participants", len(invite))
		}
		return c.sessionEndpoint(threshold.RoundSession(cer.Context(), round), cer, threshold.ProtocolFrostSign,
			map[string][]ids.AuthorityID{choreo.RoleParticipant: invite},
			devices,
			func(label string, h *Headers) {
				h.Round = round
				if label == threshold.MsgSignature {
					h.Commit = commitWire
				}
			})
	}

	var commit *Commit
	sig, err := c.engine.CoordinateSign(ctx, open, cer.Addresses(), cer.Epoch, msg, c.remaining(cer),
		threshold.OnShare(func(from ids.AuthorityID) {
			p, _ := cer.ByAddress(from)
			if _, err := c.RecordResponse(ctx, cer.ID, p.Device); err != nil {
				c.logger.Warn("signing response not recorded", "ceremony_id", cer.ID.String(), "participant", p.Device.String(), "error", err)
			}
		}),
		threshold.OnSignature(func(sig []byte) error {
			if signed != nil {
				if err := signed(sig); err != nil {
					return err
				}
			}
			var err error
			commit, err = c.Commit(ctx, cer.ID, map[string]string{
				"epoch":     strconv.FormatUint(cer.Epoch, 10),
				"signature": hex.EncodeToString(sig),
			})
			if err != nil {
				return err
			}
			commitWire, err = EncodeCommit(commit)
			return err
		}))
	if err != nil {
		return nil, nil, err
	}
	return commit, sig, nil
}

// ReshareSpec describes moving the shares of Epoch to a new signer set.
// The result is epoch Epoch+1 with the same group key.
type ReshareSpec struct {
	Epoch      uint64
	Threshold  int
	OldHolders []Participant
	NewHolders []Participant
	Timeout    time.Duration
}

// RunReshare reshares Epoch's key toward NewHolders. The first old-epoch
// threshold of OldHolders contribute; the ceremony's responses are the new
// holders' acknowledgements. Contributing old holders retire their shares
// on commit.
func (c *Coordinator) RunReshare(ctx context.Context, spec ReshareSpec) (*Commit, *frost.PublicKeyPackage, error) {
	if err := c.requireEngine(); err != nil {
		return nil, nil, err
	}
	if err := c.checkParticipants(spec.OldHolders, spec.NewHolders); err != nil {
		return nil, nil, err
	}
	oldCfg, err := c.engine.LoadConfig(ctx, spec.Epoch)
	if err != nil {
		return nil, nil, err
	}
	var signers []Participant
	var oldSigners []frost.Identifier
	for _, p := range spec.OldHolders {
		id, ok := oldCfg.IdentifierOf(p.Address)
		if !ok {
			return nil, nil, errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "%s holds no share at epoch %d", p.Device, spec.Epoch)
		}
		if len(signers) < int(oldCfg.Threshold) {
			signers = append(signers, p)
			oldSigners = append(oldSigners, id)
		}
	}
	if len(signers) < int(oldCfg.Threshold) {
		return nil, nil, errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached, "%d old holders named, epoch %d needs %d", len(signers), spec.Epoch, oldCfg.Threshold)
	}
	cer, err := c.Start(ctx, Spec{
		Kind:         KindReshare,
		Epoch:        spec.Epoch + 1,
		Threshold:    spec.Threshold,
		Participants: spec.NewHolders,
		Timeout:      spec.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	commit, pub, err := c.reshare(ctx, cer, oldCfg, signers, oldSigners)
	if err != nil {
		return nil, nil, c.abort(ctx, cer.ID, err)
	}
	return commit, pub, nil
}

func (c *Coordinator) reshare(ctx context.Context, cer Ceremony, oldCfg threshold.Config, signers []Participant, oldSigners []frost.Identifier) (*Commit, *frost.PublicKeyPackage, error) {
	prev, err := c.engine.LoadPublic(ctx, oldCfg.Epoch)
	if err != nil {
		return nil, nil, err
	}
	next, err := threshold.NewConfig(c.authority, cer.Epoch, cer.Threshold, cer.Addresses())
	if err != nil {
		return nil, nil, err
	}
	signerAddrs := make([]ids.AuthorityID, len(signers))
	for i, p := range signers {
		signerAddrs[i] = p.Address
	}
	ep, release, err := c.endpoint(cer, ProtocolReshare,
		map[string][]ids.AuthorityID{RoleOldHolder: signerAddrs, RoleNewHolder: cer.Addresses()},
		deviceMap(signers, cer.Participants), nil)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	proposal := Proposal{Next: next, OldSigners: oldSigners}
	for _, p := range cer.Participants {
		proposal.Keys = append(proposal.Keys, HolderKey{Address: p.Address, Key: p.Key})
	}
	wire, err := choreo.Marshal(proposal)
	if err != nil {
		return nil, nil, err
	}
	if err := ep.SendAll(ctx, MsgReshareProposal, wire); err != nil {
		return nil, nil, err
	}

	got, err := choreo.Gather(ctx, ep, MsgContribution, len(signers), c.remaining(cer),
		func(from ids.AuthorityID, sc *threshold.SealedContribution) error {
			id, _ := oldCfg.IdentifierOf(from)
			if sc == nil || sc.From != id {
				return errs.Newf(errs.KindProtocol, errs.CodeUnexpectedState, "contribution from %s claims another identifier", from)
			}
			return c.engine.VerifyContribution(ctx, oldCfg.Epoch, oldSigners, sc)
		})
	if err != nil {
		return nil, nil, err
	}
	contributions := make([]*threshold.SealedContribution, 0, len(got))
	for _, sc := range got {
		contributions = append(contributions, sc)
	}
	slices.SortFunc(contributions, func(a, b *threshold.SealedContribution) int { return int(a.From) - int(b.From) })
	pub, err := threshold.NextPublic(next, contributions)
	if err != nil {
		return nil, nil, err
	}
	if !frost.SameGroupKey(prev, pub) {
		return nil, nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "reshare changed the group key")
	}
	wire, err = choreo.Marshal(NewShare{Next: next, Contributions: contributions, Prev: prev})
	if err != nil {
		return nil, nil, err
	}
	if err := ep.SendAll(ctx, MsgNewShare, wire); err != nil {
		return nil, nil, err
	}

	_, err = choreo.Gather(ctx, ep, MsgNewShareAck, cer.Threshold, c.remaining(cer), func(from ids.AuthorityID, a Ack) error {
		return c.acknowledge(ctx, cer, &next, pub, from, a)
	})
	if err != nil {
		return nil, nil, err
	}
	commit, err := c.Commit(ctx, cer.ID, map[string]string{
		"epoch":     strconv.FormatUint(cer.Epoch, 10),
		"group_key": hex.EncodeToString(pub.GroupPublicKey),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := c.engine.Install(ctx, next, pub, nil); err != nil {
		return nil, nil, err
	}
	if err := c.recordKeys(ctx, cer, ProtocolReshare, pub); err != nil {
		return nil, nil, err
	}
	if err := c.tombstoneEpoch(ctx, oldCfg.Epoch, cer.Epoch); err != nil {
		return nil, nil, err
	}
	wire, err = EncodeCommit(commit)
	if err != nil {
		return nil, nil, err
	}
	if err := ep.SendAll(ctx, MsgRetireShare, wire); err != nil {
		return nil, nil, err
	}
	if err := ep.SendAll(ctx, MsgReshareCommit, wire); err != nil {
		return nil, nil, err
	}
	c.logger.Info("epoch rotated", "authority", c.authority.String(), "epoch", cer.Epoch, "threshold", cer.Threshold)
	return commit, pub, nil
}
