package protocol

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max content size
	MaxContentChars = 2000 // max character count
	MaxMediaItems   = 10   // max attachments per message
)

var validMessageTypes = map[string]bool{
	MessageTypeText:  true,
	MessageTypeImage: true,
	MessageTypeVideo: true,
	MessageTypeFile:  true,
}

// ValidateMessageCreate checks a message:create payload before it is
// accepted for ingestion. Violations are permanent failures: the client
// must not resubmit the same payload.
func ValidateMessageCreate(m MessageCreate) error {
	if m.ConversationID == "" {
		return fmt.Errorf("conversationId is required")
	}
	if m.ClientMessageID == "" {
		return fmt.Errorf("clientMessageId is required")
	}
	if !validMessageTypes[m.Type] {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.Type == MessageTypeText && m.Content == "" && len(m.Media) == 0 {
		return fmt.Errorf("text message has no content")
	}
	if len(m.Content) > MaxContentBytes {
		return fmt.Errorf("content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(m.Content) > MaxContentChars {
		return fmt.Errorf("content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(m.Content) {
		return fmt.Errorf("content contains invalid UTF-8")
	}
	if len(m.Media) > MaxMediaItems {
		return fmt.Errorf("too many media attachments (max %d)", MaxMediaItems)
	}
	for i, media := range m.Media {
		if media.URL == "" {
			return fmt.Errorf("media[%d] has no url", i)
		}
	}
	return nil
}
