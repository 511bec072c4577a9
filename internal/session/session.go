// Package session holds the per-user conversational state that drives order
// creation through the chat interface. Sessions are ephemeral: they live in
// an expiring external store and say nothing about the persisted order once
// it has been handed to the lifecycle engine.
package session

import "time"

// State identifies where a conversation currently sits.
type State string

const (
	// StateStart is the initial state before the user requests anything.
	StateStart State = "start"
	// StateUploadingPhotos collects photo storage keys for the draft order.
	StateUploadingPhotos State = "uploading_photos"
	// StateEnteringScript waits for optional free-text narration.
	StateEnteringScript State = "entering_script"
	// StateConfirmingPayment shows the summary and waits for confirmation.
	StateConfirmingPayment State = "confirming_payment"
	// StateMenu is the resting state after completion or reset.
	StateMenu State = "menu"
)

// Draft accumulates the order being assembled during a conversation.
type Draft struct {
	PhotoKeys      []string `json:"photoKeys,omitempty"`
	Script         string   `json:"script,omitempty"`
	PendingOrderID string   `json:"pendingOrderId,omitempty"`
}

// Conversation is the full per-user session snapshot. It is overwritten
// wholesale on every mutation; the last writer wins.
type Conversation struct {
	UserID    int64     `json:"userId"`
	State     State     `json:"state"`
	Language  string    `json:"language,omitempty"`
	Draft     Draft     `json:"draft"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
