package directory

import (
	"errors"
	"fmt"

	"pulsecrypt/internal/domain"
)

var errInvalid = errors.New("invalid request")

func validatePublishedKey(k domain.PublishedKey) error {
	switch {
	case k.UserID == "":
		return fmt.Errorf("%w: published key has no user", errInvalid)
	case k.KeyID == "":
		return fmt.Errorf("%w: published key has no key id", errInvalid)
	case k.PublicKey.IsZero():
		return fmt.Errorf("%w: published key is empty", errInvalid)
	}
	return nil
}

func validateGroupEnvelopes(group domain.ConversationID, version int, envs []domain.GroupKeyEnvelope) error {
	if version < 1 {
		return fmt.Errorf("%w: group key version %d", errInvalid, version)
	}
	if len(envs) == 0 {
		return fmt.Errorf("%w: no group key envelopes", errInvalid)
	}
	seen := make(map[domain.UserID]bool, len(envs))
	for _, e := range envs {
		if e.GroupID != group || e.Version != version {
			return fmt.Errorf("%w: envelope for %s v%d in batch for %s v%d", errInvalid, e.GroupID, e.Version, group, version)
		}
		if e.RecipientID == "" || seen[e.RecipientID] {
			return fmt.Errorf("%w: duplicate or empty recipient %q", errInvalid, e.RecipientID)
		}
		seen[e.RecipientID] = true
	}
	return nil
}

func orderStatus(st domain.KeyExchangeStatus) domain.KeyExchangeStatus {
	if st.User2ID < st.User1ID {
		st.User1ID, st.User2ID = st.User2ID, st.User1ID
	}
	return st
}
