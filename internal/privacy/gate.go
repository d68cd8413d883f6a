// Package privacy decides whether a direct message may be delivered.
package privacy

import (
	"context"
	"fmt"

	"chat-core/internal/models"
)

// RelationshipLookup answers follower and block questions for the gate.
type RelationshipLookup interface {
	// IsFollowing reports whether followerID follows followeeID.
	IsFollowing(ctx context.Context, followerID, followeeID int64) (bool, error)
	// IsBlocked reports whether either user blocks the other.
	IsBlocked(ctx context.Context, userA, userB int64) (bool, error)
}

// Evaluate applies the receiver's dmPrivacy setting to a send attempt.
// It holds no state; lookup errors are returned to the caller untouched
// so a failed lookup is never mistaken for a denial.
func Evaluate(ctx context.Context, senderID, receiverID int64, setting models.DMPrivacy, lookup RelationshipLookup) (models.PrivacyDecision, error) {
	switch setting {
	case models.DMNobody:
		return deny(models.ReasonReceiverDisabledDMs, "recipient does not accept direct messages"), nil

	case models.DMFollowers:
		// Only people the receiver follows may message them.
		follows, err := lookup.IsFollowing(ctx, receiverID, senderID)
		if err != nil {
			return models.PrivacyDecision{}, fmt.Errorf("follow lookup: %w", err)
		}
		if !follows {
			return deny(models.ReasonFollowersOnlyNotFollowing, "recipient only accepts messages from people they follow"), nil
		}
		return allow(), nil

	case models.DMEveryone, "":
		blocked, err := lookup.IsBlocked(ctx, senderID, receiverID)
		if err != nil {
			return models.PrivacyDecision{}, fmt.Errorf("block lookup: %w", err)
		}
		if blocked {
			return deny(models.ReasonReceiverBlocksSender, "messaging between these users is blocked"), nil
		}
		return allow(), nil
	}
	return models.PrivacyDecision{}, fmt.Errorf("unknown dm privacy setting %q", setting)
}

func allow() models.PrivacyDecision {
	return models.PrivacyDecision{Allowed: true, ReasonCode: models.ReasonOK, Reason: "ok"}
}

func deny(code models.ReasonCode, reason string) models.PrivacyDecision {
	return models.PrivacyDecision{Allowed: false, ReasonCode: code, Reason: reason}
}
