package capsule

import (
	"time"
)

// CapsuleView is the decrypted response shape of a capsule. Only released
// content (or thread context the caller is entitled to) is ever placed here.
type CapsuleView struct {
	ID             string        `json:"id"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	HoldDuration   time.Duration `json:"holdDuration"`
	ReleaseAt      time.Time     `json:"releaseAt"`
	ReplyingToID   *string       `json:"replyingToId,omitempty"`
	ConversationID *string       `json:"conversationId,omitempty"`
}

// CreateReceipt confirms a creation without echoing content back.
type CreateReceipt struct {
	ID             string    `json:"id"`
	ReleaseAt      time.Time `json:"releaseAt"`
	ConversationID *string   `json:"conversationId,omitempty"`
	Details        string    `json:"details"`
}

// ConversationView is one row of the conversation list. Displayed is the
// newest capsule the caller may see under the withholding rule.
type ConversationView struct {
	ID              string      `json:"id"`
	LatestReleaseAt time.Time   `json:"latestReleaseAt"`
	ReplyAllowed    bool        `json:"replyAllowed"`
	Displayed       CapsuleView `json:"displayed"`
}

// ThreadView selects between the two display policies for a conversation
// thread: Unseen withholds the newest capsule until it is reply-eligible,
// Full never withholds.
type ThreadView int

const (
	ViewUnseen ThreadView = iota
	ViewFull
)

// Thread is an ordered reply chain, newest first.
type Thread struct {
	ConversationID string        `json:"conversationId"`
	ReplyAllowed   bool          `json:"replyAllowed"`
	Capsules       []CapsuleView `json:"capsules"`
}
