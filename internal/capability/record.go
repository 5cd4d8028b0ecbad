package capability

import (
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// DelegationPayload is the journal payload recording t.
func DelegationPayload(t *Token) (journal.Payload, error) {
	wire, err := t.Encode()
	if err != nil {
		return journal.Payload{}, err
	}
	return journal.NewDelegateCapability(journal.DelegateCapability{
		Capability: t.ID(),
		Parent:     t.Parent(),
		Issuer:     t.Issuer,
		Holder:     t.Holder,
		Scope:      Scope(t.Permissions),
		Token:      wire,
	}), nil
}

// RevocationPayload is the journal payload revoking id.
func RevocationPayload(id ids.CapabilityID, reason string) journal.Payload {
	return journal.NewRevokeCapability(id, reason)
}
