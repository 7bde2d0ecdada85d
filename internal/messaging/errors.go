package messaging

import (
	"errors"
	"fmt"
)

// ErrPartialSend matches every *PartialSendError.
var ErrPartialSend = errors.New("message stored but projections are stale")

// Stage names the projection write that failed after the append.
type Stage string

const (
	StageMetadata         Stage = "metadata"
	StageSenderChatList   Stage = "sender_chat_list"
	StageCounterpartSeed  Stage = "counterpart_seed"
	StageReceiverChatList Stage = "receiver_chat_list"
)

// PartialSendError reports a send whose message is durable but whose summary or chat-list
// rows were not updated. Callers must repair, never resend.
type PartialSendError struct {
	ConversationKey string
	MessageID       string
	Stage           Stage
	Err             error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("message %s in %s stored, %s update failed: %v", e.MessageID, e.ConversationKey, e.Stage, e.Err)
}

func (e *PartialSendError) Unwrap() error { return e.Err }

func (e *PartialSendError) Is(target error) bool { return target == ErrPartialSend }
