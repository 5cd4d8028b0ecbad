package threshold

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
)

// The frost_sign protocol.
const (
	ProtocolFrostSign = "frost_sign"

	MsgSignRequest    = "SignRequest"
	MsgCommitment     = "Commitment"
	MsgSigningPackage = "SigningPackage"
	MsgSignatureShare = "SignatureShare"
	MsgSignature      = "Signature"
)

// SignRequest opens a signing session.
type SignRequest struct {
	Epoch   uint64 `cbor:"1,keyasint"`
	Message []byte `cbor:"2,keyasint"`
}

// SignOption configures one CoordinateSign run.
type SignOption func(*signRun)

type signRun struct {
	onCommit    func(ids.AuthorityID)
	onShare     func(ids.AuthorityID)
	onSignature func([]byte) error
}

// OnCommitment is called for every commitment that enters the signing
// package.
func OnCommitment(f func(ids.AuthorityID)) SignOption {
	return func(r *signRun) { r.onCommit = f }
}

// OnShare is called for every signature share that verifies.
func OnShare(f func(ids.AuthorityID)) SignOption {
	return func(r *signRun) { r.onShare = f }
}

// OnSignature is called with the verified aggregate before it is sent to
// the participants. An error aborts the run and nothing is sent.
func OnSignature(f func(sig []byte) error) SignOption {
	return func(r *signRun) { r.onSignature = f }
}

// MaxSignRounds bounds how many rounds CoordinateSign runs before giving up.
const MaxSignRounds = 3

// RoundSession derives the session of signing round n from the session of
// round 0, which is base itself.
func RoundSession(base ids.ContextID, round int) ids.ContextID {
	if round == 0 {
		return base
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(round))
	return ids.ContextID(canonical.HashParts("FROST-ROUND", base[:], n[:]))
}

// RoundOpener opens the coordinator endpoint of signing round n with
// invite bound to the participant role. release is called once the round
// ends.
type RoundOpener func(round int, invite []ids.AuthorityID) (ep *choreo.Endpoint, release func(), err error)

// CoordinateSign runs frost_sign rounds over invite until one yields a
// verified signature. A round whose selected signers do not all return a
// valid share is abandoned, those signers are excluded, and the next round
// asks the remaining participants for fresh commitments. Commitments may
// take until the deadline; each share round gets an even slice of the time
// left for the rounds still allowed.
func (e *Engine) CoordinateSign(ctx context.Context, open RoundOpener, invite []ids.AuthorityID, epoch uint64, message []byte, deadline time.Duration, opts ...SignOption) ([]byte, error) {
	var run signRun
	for _, opt := range opts {
		opt(&run)
	}
	cfg, err := e.LoadConfig(ctx, epoch)
	if err != nil {
		return nil, err
	}
	pub, err := e.LoadPublic(ctx, epoch)
	if err != nil {
		return nil, err
	}
	end := e.rt.Time.NowMs() + deadline.Milliseconds()
	excluded := make(map[ids.AuthorityID]bool)
	var last error
	for round := 0; round < MaxSignRounds; round++ {
		eligible := slices.DeleteFunc(slices.Clone(invite), func(a ids.AuthorityID) bool { return excluded[a] })
		if len(eligible) < int(cfg.Threshold) {
			break
		}
		if e.rt.Time.NowMs() >= end {
			break
		}
		ep, release, err := open(round, eligible)
		if err != nil {
			return nil, err
		}
		sig, blamed, err := e.signRound(ctx, ep, cfg, pub, message, end, MaxSignRounds-round, &run)
		release()
		if err == nil {
			e.logger.Info("threshold signature produced",
				"account", e.account.String(),
				"epoch", epoch,
				"round", round)
			return sig, nil
		}
		if len(blamed) == 0 {
			return nil, err
		}
		for _, a := range blamed {
			excluded[a] = true
		}
		e.logger.Warn("signing round abandoned",
			"account", e.account.String(),
			"epoch", epoch,
			"round", round,
			"excluded", len(blamed),
			"error", err)
		last = err
	}
	if last == nil {
		return nil, errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached, "no signing round could start at epoch %d", epoch)
	}
	return nil, errs.Wrap(errs.KindCeremony, errs.CodeThresholdNotReached,
		fmt.Sprintf("%d of %d participants excluded", len(excluded), len(invite)), last)
}

// signRound runs one frost_sign session over ep that must finish by end.
// The first Threshold valid commitments form the signing package; later
// commitments are ignored and their senders skip the share round. On a
// failed share round it returns the selected signers that sent no valid
// share and tells every invited participant the round is abandoned.
func (e *Engine) signRound(ctx context.Context, ep *choreo.Endpoint, cfg Config, pub *frost.PublicKeyPackage, message []byte, end int64, rounds int, run *signRun) ([]byte, []ids.AuthorityID, error) {
	left := func() time.Duration { return time.Duration(end-e.rt.Time.NowMs()) * time.Millisecond }
	req, err := choreo.Marshal(SignRequest{Epoch: cfg.Epoch, Message: message})
	if err != nil {
		return nil, nil, err
	}
	if err := ep.SendAll(ctx, MsgSignRequest, req); err != nil {
		return nil, nil, err
	}

	commitments, err := choreo.Gather(ctx, ep, MsgCommitment, int(cfg.Threshold), left(),
		func(from ids.AuthorityID, c frost.Commitment) error {
			return checkSender(cfg, from, c.Identifier)
		})
	if err != nil {
		return nil, nil, err
	}
	list := make([]frost.Commitment, 0, len(commitments))
	for from, c := range commitments {
		list = append(list, c)
		if run.onCommit != nil {
			run.onCommit(from)
		}
	}
	pkg, err := e.rt.Crypto.FrostSigningPackage(message, list)
	if err != nil {
		return nil, nil, err
	}
	wire, err := choreo.Marshal(pkg)
	if err != nil {
		return nil, nil, err
	}
	if err := ep.SendAll(ctx, MsgSigningPackage, wire); err != nil {
		return nil, nil, err
	}

	signers := pkg.Signers()
	valid := make(map[ids.AuthorityID]bool, len(signers))
	shares, err := choreo.Gather(ctx, ep, MsgSignatureShare, len(signers), left()/time.Duration(rounds),
		func(from ids.AuthorityID, s frost.SignatureShare) error {
			if err := checkSender(cfg, from, s.Identifier); err != nil {
				return err
			}
			if !slices.Contains(signers, s.Identifier) {
				return errs.Newf(errs.KindProtocol, errs.CodeUnexpectedState, "share from %d who is not in the signing package", s.Identifier)
			}
			if err := frost.VerifyShare(pkg, s, pub.VerifyingShares[s.Identifier], pub.GroupPublicKey); err != nil {
				return err
			}
			if err := e.RecordSignatureShare(ctx, cfg.Epoch, from, s); err != nil {
				return err
			}
			valid[from] = true
			if run.onShare != nil {
				run.onShare(from)
			}
			return nil
		})
	if err != nil {
		if !errs.IsCode(err, errs.CodeThresholdNotReached) {
			return nil, nil, err
		}
		var blamed []ids.AuthorityID
		for _, id := range signers {
			if who, ok := cfg.ParticipantOf(id); ok && !valid[who] {
				blamed = append(blamed, who)
			}
		}
		e.abandon(ctx, ep)
		return nil, blamed, err
	}
	shareList := make([]frost.SignatureShare, 0, len(shares))
	for _, s := range shares {
		shareList = append(shareList, s)
	}
	sig, err := e.rt.Crypto.FrostAggregate(pkg, shareList, pub)
	if err != nil {
		return nil, nil, err
	}
	if err := e.rt.Crypto.FrostVerify(pub, message, sig); err != nil {
		return nil, nil, err
	}
	if run.onSignature != nil {
		if err := run.onSignature(sig); err != nil {
			return nil, nil, err
		}
	}
	if err := ep.SendAll(ctx, MsgSignature, sig); err != nil {
		return nil, nil, err
	}
	return sig, nil, nil
}

// abandon ends a failed round with an empty Signature so participants stop
// waiting for it.
func (e *Engine) abandon(ctx context.Context, ep *choreo.Endpoint) {
	if a, ok := ep.Next(); ok && a.Message == MsgSignatureShare {
		if err := ep.Close(MsgSignatureShare); err != nil {
			e.logger.Warn("abandoned round not closed", "error", err)
			return
		}
	}
	if err := ep.SendAll(ctx, MsgSignature, nil); err != nil {
		e.logger.Warn("abandon notice not sent", "error", err)
	}
}

// ParticipateSign runs the participant side of one frost_sign round and
// returns the aggregate signature once it verifies. A round the coordinator
// abandons reports CEREMONY_ROUND_ABANDONED; the participant may be invited
// to the next one.
func (e *Engine) ParticipateSign(ctx context.Context, ep *choreo.Endpoint, timeout time.Duration) ([]byte, error) {
	msg, err := ep.Recv(ctx, MsgSignRequest, timeout)
	if err != nil {
		return nil, err
	}
	var req SignRequest
	if err := choreo.Unmarshal(msg.Payload, &req); err != nil {
		return nil, err
	}
	cfg, err := e.LoadConfig(ctx, req.Epoch)
	if err != nil {
		return nil, err
	}
	self, ok := cfg.IdentifierOf(e.self)
	if !ok {
		return nil, errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "%s holds no share at epoch %d", e.self, req.Epoch)
	}
	session := ep.Session()
	c, err := e.Commit(ctx, session, req.Epoch)
	if err != nil {
		return nil, err
	}
	wire, err := choreo.Marshal(c)
	if err != nil {
		return nil, err
	}
	if err := ep.Send(ctx, msg.From, MsgCommitment, wire); err != nil {
		return nil, err
	}

	pkgMsg, err := ep.Recv(ctx, MsgSigningPackage, timeout)
	if err != nil {
		return nil, err
	}
	var pkg frost.SigningPackage
	if err := choreo.Unmarshal(pkgMsg.Payload, &pkg); err != nil {
		return nil, err
	}
	if !bytes.Equal(pkg.Message, req.Message) {
		return nil, errs.New(errs.KindProtocol, errs.CodeUnexpectedState, "signing package is for a different message")
	}
	if slices.Contains(pkg.Signers(), self) {
		share, err := e.SignShare(ctx, session, req.Epoch, &pkg)
		if err != nil {
			return nil, err
		}
		wire, err := choreo.Marshal(share)
		if err != nil {
			return nil, err
		}
		if err := ep.Send(ctx, msg.From, MsgSignatureShare, wire); err != nil {
			return nil, err
		}
	} else {
		e.logger.Debug("not selected for signing", "participant", e.self.String())
		if err := e.DiscardNonces(ctx, session); err != nil {
			return nil, err
		}
		if err := ep.Close(MsgSignatureShare); err != nil {
			return nil, err
		}
	}

	sigMsg, err := ep.Recv(ctx, MsgSignature, timeout)
	if err != nil {
		return nil, err
	}
	if len(sigMsg.Payload) == 0 {
		return nil, errs.New(errs.KindCeremony, errs.CodeRoundAbandoned, "coordinator abandoned the signing round")
	}
	if err := e.Verify(ctx, req.Epoch, req.Message, sigMsg.Payload); err != nil {
		return nil, err
	}
	return sigMsg.Payload, nil
}

func checkSender(cfg Config, from ids.AuthorityID, claimed frost.Identifier) error {
	id, ok := cfg.IdentifierOf(from)
	if !ok {
		return errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "%s is not a participant", from)
	}
	if id != claimed {
		return errs.Newf(errs.KindProtocol, errs.CodeUnexpectedState, "%s claims identifier %d, holds %d", from, claimed, id)
	}
	return nil
}
