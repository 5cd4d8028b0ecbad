package ceremony

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// Envelope metadata keys.
const (
	MetaContentType     = "content-type"
	MetaCeremonyID      = "ceremony-id"
	MetaPendingEpoch    = "pending-epoch"
	MetaInitiator       = "initiator-device-id"
	MetaParticipant     = "participant-device-id"
	MetaAcceptor        = "acceptor-device-id"
	MetaThresholdConfig = "threshold-config"
	MetaThresholdPubkey = "threshold-pubkey"
	MetaCommit          = "ceremony-commit"
	MetaSigningRound    = "signing-round"
)

// ContentTypePrefix starts every ceremony content type.
const ContentTypePrefix = "application/aura-"

// Content types for envelopes outside a choreography.
const (
	TypeInvite   = ContentTypePrefix + "ceremony.invite"
	TypeResponse = ContentTypePrefix + "ceremony.response"
	TypeCommit   = ContentTypePrefix + "ceremony.commit"
)

// ContentType is the content type of a choreography message.
func ContentType(protocol, label string) string {
	return ContentTypePrefix + protocol + "." + strings.ToLower(label)
}

var b64 = base64.RawURLEncoding

// Headers is the parsed ceremony metadata of an envelope.
type Headers struct {
	ContentType  string
	Ceremony     ids.CeremonyID
	PendingEpoch uint64
	Initiator    ids.DeviceID
	Participant  ids.DeviceID
	Acceptor     ids.DeviceID
	Config       []byte
	Pubkey       []byte
	Commit       []byte
	// Round is the signing round; rounds after the first run in their own
	// session.
	Round int
}

// Metadata renders h as envelope metadata. Zero optional fields are left
// out.
func (h Headers) Metadata() map[string]string {
	m := map[string]string{
		MetaContentType:  h.ContentType,
		MetaCeremonyID:   h.Ceremony.String(),
		MetaPendingEpoch: strconv.FormatUint(h.PendingEpoch, 10),
		MetaInitiator:    h.Initiator.String(),
	}
	if !h.Participant.IsZero() {
		m[MetaParticipant] = h.Participant.String()
	}
	if !h.Acceptor.IsZero() {
		m[MetaAcceptor] = h.Acceptor.String()
	}
	if len(h.Config) > 0 {
		m[MetaThresholdConfig] = b64.EncodeToString(h.Config)
	}
	if len(h.Pubkey) > 0 {
		m[MetaThresholdPubkey] = b64.EncodeToString(h.Pubkey)
	}
	if len(h.Commit) > 0 {
		m[MetaCommit] = b64.EncodeToString(h.Commit)
	}
	if h.Round > 0 {
		m[MetaSigningRound] = strconv.Itoa(h.Round)
	}
	return m
}

func malformed(format string, args ...any) error {
	return errs.Newf(errs.KindCeremony, errs.CodeMalformedEnvelope, format, args...)
}

// ParseHeaders validates and parses ceremony metadata.
func ParseHeaders(meta map[string]string) (Headers, error) {
	var h Headers
	h.ContentType = meta[MetaContentType]
	if !strings.HasPrefix(h.ContentType, ContentTypePrefix) {
		return h, malformed("content type %q", h.ContentType)
	}
	for _, k := range []string{MetaCeremonyID, MetaPendingEpoch, MetaInitiator} {
		if meta[k] == "" {
			return h, malformed("missing %s", k)
		}
	}
	var err error
	if h.Ceremony, err = ids.ParseCeremonyID(meta[MetaCeremonyID]); err != nil {
		return h, malformed("ceremony id: %v", err)
	}
	if h.PendingEpoch, err = strconv.ParseUint(meta[MetaPendingEpoch], 10, 64); err != nil {
		return h, malformed("pending epoch: %v", err)
	}
	if h.Initiator, err = ids.ParseDeviceID(meta[MetaInitiator]); err != nil {
		return h, malformed("initiator: %v", err)
	}
	if v := meta[MetaParticipant]; v != "" {
		if h.Participant, err = ids.ParseDeviceID(v); err != nil {
			return h, malformed("participant: %v", err)
		}
	}
	if v := meta[MetaAcceptor]; v != "" {
		if h.Acceptor, err = ids.ParseDeviceID(v); err != nil {
			return h, malformed("acceptor: %v", err)
		}
	}
	if v := meta[MetaSigningRound]; v != "" {
		if h.Round, err = strconv.Atoi(v); err != nil || h.Round < 0 {
			return h, malformed("signing round %q", v)
		}
	}
	for key, dst := range map[string]*[]byte{MetaThresholdConfig: &h.Config, MetaThresholdPubkey: &h.Pubkey, MetaCommit: &h.Commit} {
		v := meta[key]
		if v == "" {
			continue
		}
		if *dst, err = b64.DecodeString(v); err != nil {
			return h, malformed("%s: %v", key, err)
		}
	}
	return h, nil
}

// CheckEnvelope parses env's headers and checks that it is addressed to
// self.
func CheckEnvelope(env effects.Envelope, self ids.AuthorityID) (Headers, error) {
	if env.Destination != self {
		return Headers{}, malformed("destination %s is not %s", env.Destination, self)
	}
	return ParseHeaders(env.Metadata)
}

// NewEnvelope builds a ceremony envelope outside any choreography.
func NewEnvelope(authority ids.AuthorityID, to ids.AuthorityID, h Headers, payload []byte) effects.Envelope {
	return effects.Envelope{
		Destination: to,
		Context:     ContextID(authority, h.Ceremony),
		Metadata:    h.Metadata(),
		Payload:     payload,
	}
}
