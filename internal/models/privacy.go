package models

// ReasonCode explains an authorization outcome.
type ReasonCode string

const (
	ReasonOK                        ReasonCode = "OK"
	ReasonReceiverBlocksSender      ReasonCode = "RECEIVER_BLOCKS_SENDER"
	ReasonFollowersOnlyNotFollowing ReasonCode = "FOLLOWERS_ONLY_NOT_FOLLOWING"
	ReasonReceiverDisabledDMs       ReasonCode = "RECEIVER_DISABLED_DMS"
	ReasonNotRoomMember             ReasonCode = "NOT_ROOM_MEMBER"
)

// PrivacyDecision is computed per direct-message attempt and never stored.
type PrivacyDecision struct {
	Allowed    bool       `json:"allowed"`
	ReasonCode ReasonCode `json:"reasonCode"`
	Reason     string     `json:"reason"`
}
