// Package ingest implements the idempotent message-ingestion pipeline: it
// accepts client-submitted message-create requests, enforces membership and
// idempotency, persists through the repository, and emits ack/broadcast
// delivery events onto the bus for the gateways to relay.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/loqui/chat-backend/internal/bus"
	"github.com/loqui/chat-backend/internal/protocol"
	"github.com/loqui/chat-backend/internal/repository"
)

// Repository is the slice of the conversation/message store the pipeline
// consumes.
type Repository interface {
	FindByClientMessageID(ctx context.Context, conversationID, senderID, clientMessageID string) (*repository.Message, error)
	CreateMessage(ctx context.Context, m *repository.Message) error
	UpdateLastActivity(ctx context.Context, conversationID, messageID, messageType string, at time.Time) error
	FindActiveMembers(ctx context.Context, conversationID string) ([]repository.Member, error)
}

// Publisher is the bus surface the pipeline emits delivery events through.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// Result is the outcome of a successful (or idempotently replayed) create.
type Result struct {
	Message    *repository.Message
	Duplicated bool
}

// Service runs the create-message pipeline.
type Service struct {
	repo Repository
	pub  Publisher
}

// NewService creates the pipeline service.
func NewService(repo Repository, pub Publisher) *Service {
	return &Service{repo: repo, pub: pub}
}

// CreateMessage runs the five-step pipeline for one submission:
//
//  1. Idempotency lookup: a known (conversation, sender, clientMessageId)
//     triple short-circuits with duplicated=true. The sender is re-acked;
//     other members are NOT re-notified.
//  2. Membership check against the active-member snapshot.
//  3. Atomic persistence of the message plus medias.
//  4. Monotonic advance of the conversation's last-activity pointer.
//  5. Emission of the three delivery events (ack / message:new /
//     chat.new_message).
//
// Failures return *Error; callers convert them to message:error delivery
// events rather than propagating them over the bus.
func (s *Service) CreateMessage(ctx context.Context, req bus.MessageSend) (*Result, error) {
	if req.ConversationID == "" || req.SenderID == "" || req.ClientMessageID == "" {
		return nil, validationErr("conversationId, senderId and clientMessageId are required")
	}

	// Step 1: idempotency.
	existing, err := s.repo.FindByClientMessageID(ctx, req.ConversationID, req.SenderID, req.ClientMessageID)
	if err != nil {
		return nil, transientErr("idempotency lookup", err)
	}
	if existing != nil {
		res := &Result{Message: existing, Duplicated: true}
		s.emitAck(ctx, res)
		return res, nil
	}

	// Step 2: membership. The snapshot is read once and reused for fanout
	// targeting below.
	members, err := s.repo.FindActiveMembers(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return nil, notFoundErr("conversation " + req.ConversationID + " not found")
		}
		return nil, transientErr("membership lookup", err)
	}
	if !isActiveMember(members, req.SenderID) {
		return nil, permissionErr("sender " + req.SenderID + " is not an active member of " + req.ConversationID)
	}

	// Step 3: atomic persist.
	msg := &repository.Message{
		ConversationID:   req.ConversationID,
		SenderID:         req.SenderID,
		ClientMessageID:  req.ClientMessageID,
		Type:             req.Type,
		Content:          req.Content,
		ReplyToMessageID: req.ReplyToMessageID,
		Medias:           toMedias(req.Medias),
	}
	err = s.repo.CreateMessage(ctx, msg)
	if errors.Is(err, repository.ErrDuplicateMessage) {
		// Lost a race with a concurrent retransmission: converge on the
		// winning row, exactly like the step-1 path.
		winner, ferr := s.repo.FindByClientMessageID(ctx, req.ConversationID, req.SenderID, req.ClientMessageID)
		if ferr != nil || winner == nil {
			return nil, &Error{Kind: KindFatal, Msg: "duplicate reported but winning row unreadable", Err: ferr}
		}
		res := &Result{Message: winner, Duplicated: true}
		s.emitAck(ctx, res)
		return res, nil
	}
	if err != nil {
		return nil, transientErr("persist message", err)
	}

	// Step 4: last-activity pointer. The message is already durable, so a
	// failure here is logged and not surfaced: returning an error would make
	// the client retry into the duplicate path and members would never see
	// the broadcast. The pointer self-corrects on the next message.
	if err := s.repo.UpdateLastActivity(ctx, msg.ConversationID, msg.ID, msg.Type, msg.CreatedAt); err != nil {
		log.Printf("ingest: last-activity update failed conversation=%s message=%s: %v",
			msg.ConversationID, msg.ID, err)
	}

	// Step 5: delivery events.
	res := &Result{Message: msg}
	if err := s.emitDeliveryEvents(ctx, res, members); err != nil {
		// The bus rejected an emit. Redelivery re-runs the pipeline, lands
		// in the duplicate path, and re-acks the sender.
		return nil, transientErr("emit delivery events", err)
	}
	return res, nil
}

// emitAck sends (or re-sends, on replay) the acknowledgment to the sender
// alone, correlated by clientMessageId.
func (s *Service) emitAck(ctx context.Context, res *Result) {
	msg := res.Message
	ack := protocol.MessageAck{
		Status:          "ok",
		ClientMessageID: msg.ClientMessageID,
		ServerMessageID: msg.ID,
		ConversationID:  msg.ConversationID,
		Duplicated:      res.Duplicated,
		CreatedAt:       msg.CreatedAt,
		Message:         toView(msg),
	}
	if err := s.emit(ctx, []string{msg.SenderID}, protocol.EventMessageAck, ack); err != nil {
		log.Printf("ingest: emit ack failed message=%s: %v", msg.ID, err)
	}
}

// emitDeliveryEvents publishes the three events of step 5. The ack goes to
// the sender alone; message:new to every other active member; the
// conversation-list reorder event to all members including the sender.
func (s *Service) emitDeliveryEvents(ctx context.Context, res *Result, members []repository.Member) error {
	msg := res.Message
	view := toView(msg)

	allIDs := make([]string, 0, len(members))
	otherIDs := make([]string, 0, len(members))
	for _, m := range members {
		allIDs = append(allIDs, m.UserID)
		if m.UserID != msg.SenderID {
			otherIDs = append(otherIDs, m.UserID)
		}
	}

	ack := protocol.MessageAck{
		Status:          "ok",
		ClientMessageID: msg.ClientMessageID,
		ServerMessageID: msg.ID,
		ConversationID:  msg.ConversationID,
		Duplicated:      res.Duplicated,
		CreatedAt:       msg.CreatedAt,
		Message:         view,
	}
	if err := s.emit(ctx, []string{msg.SenderID}, protocol.EventMessageAck, ack); err != nil {
		return err
	}

	if len(otherIDs) > 0 {
		if err := s.emit(ctx, otherIDs, protocol.EventMessageNew, protocol.MessageNew{Message: view}); err != nil {
			return err
		}
	}

	reorder := protocol.ChatNewMessage{MessageView: view, MemberIDs: allIDs}
	return s.emit(ctx, allIDs, protocol.EventChatNewMessage, reorder)
}

// EmitError converts a pipeline failure into a message:error delivery event
// addressed to the original sender.
func (s *Service) EmitError(ctx context.Context, req bus.MessageSend, perr *Error) {
	if perr.Kind == KindFatal {
		log.Printf("ingest: FATAL %v (conversation=%s sender=%s client_message_id=%s)",
			perr, req.ConversationID, req.SenderID, req.ClientMessageID)
	}
	ev := protocol.MessageError{
		ClientMessageID: req.ClientMessageID,
		ConversationID:  req.ConversationID,
		Code:            perr.Code(),
		Message:         perr.Msg,
		Retryable:       perr.Retryable(),
	}
	if err := s.emit(ctx, []string{req.SenderID}, protocol.EventMessageError, ev); err != nil {
		log.Printf("ingest: emit error event failed sender=%s: %v", req.SenderID, err)
	}
}

func (s *Service) emit(ctx context.Context, userIDs []string, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, bus.ExchangeRealtime, bus.KeyEmitEvent, bus.EmitEvent{
		UserIDs: userIDs,
		Event:   event,
		Data:    data,
	})
}

func isActiveMember(members []repository.Member, userID string) bool {
	for _, m := range members {
		if m.UserID == userID && m.Active {
			return true
		}
	}
	return false
}

func toMedias(items []bus.MediaItem) []repository.Media {
	if len(items) == 0 {
		return nil
	}
	medias := make([]repository.Media, len(items))
	for i, it := range items {
		medias[i] = repository.Media{URL: it.URL, MimeType: it.MimeType, Size: it.Size}
	}
	return medias
}

func toView(m *repository.Message) protocol.MessageView {
	view := protocol.MessageView{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		ClientMessageID:  m.ClientMessageID,
		Type:             m.Type,
		Content:          m.Content,
		ReplyToMessageID: m.ReplyToMessageID,
		CreatedAt:        m.CreatedAt,
	}
	for _, md := range m.Medias {
		view.Media = append(view.Media, protocol.MediaRef{URL: md.URL, MimeType: md.MimeType, Size: md.Size})
	}
	return view
}
