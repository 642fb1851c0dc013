package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loqui/chat-backend/internal/bus"
	"github.com/loqui/chat-backend/internal/protocol"
	"github.com/loqui/chat-backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type tripleKey struct {
	conv, sender, client string
}

// fakeRepo is an in-memory Repository with failure injection.
type fakeRepo struct {
	messages map[tripleKey]*repository.Message
	members  map[string][]repository.Member

	lastActivityConv string
	lastActivityMsg  string
	lastActivityAt   time.Time

	nextID      int
	failFind    error
	failCreate  error
	failMembers error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		messages: make(map[tripleKey]*repository.Message),
		members:  make(map[string][]repository.Member),
	}
}

func (r *fakeRepo) FindByClientMessageID(_ context.Context, conv, sender, client string) (*repository.Message, error) {
	if r.failFind != nil {
		return nil, r.failFind
	}
	if m, ok := r.messages[tripleKey{conv, sender, client}]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRepo) CreateMessage(_ context.Context, m *repository.Message) error {
	if r.failCreate != nil {
		return r.failCreate
	}
	key := tripleKey{m.ConversationID, m.SenderID, m.ClientMessageID}
	if _, ok := r.messages[key]; ok {
		return repository.ErrDuplicateMessage
	}
	r.nextID++
	m.ID = fmt.Sprintf("m%d", r.nextID)
	m.CreatedAt = time.Date(2026, 1, 1, 0, 0, r.nextID, 0, time.UTC)
	cp := *m
	r.messages[key] = &cp
	return nil
}

func (r *fakeRepo) UpdateLastActivity(_ context.Context, conv, msg, _ string, at time.Time) error {
	// Monotonic guard, mirroring the SQL predicate.
	if r.lastActivityConv == conv && at.Before(r.lastActivityAt) {
		return nil
	}
	r.lastActivityConv = conv
	r.lastActivityMsg = msg
	r.lastActivityAt = at
	return nil
}

func (r *fakeRepo) FindActiveMembers(_ context.Context, conv string) ([]repository.Member, error) {
	if r.failMembers != nil {
		return nil, r.failMembers
	}
	members, ok := r.members[conv]
	if !ok {
		return nil, repository.ErrConversationNotFound
	}
	return members, nil
}

// fakePublisher records every EmitEvent published to the bus.
type fakePublisher struct {
	emitted []bus.EmitEvent
	fail    error
}

func (p *fakePublisher) Publish(_ context.Context, exchange, routingKey string, payload interface{}) error {
	if p.fail != nil {
		return p.fail
	}
	if exchange != bus.ExchangeRealtime || routingKey != bus.KeyEmitEvent {
		return fmt.Errorf("unexpected publish %s:%s", exchange, routingKey)
	}
	p.emitted = append(p.emitted, payload.(bus.EmitEvent))
	return nil
}

func (p *fakePublisher) byEvent(event string) []bus.EmitEvent {
	var out []bus.EmitEvent
	for _, e := range p.emitted {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func setupConversation(repo *fakeRepo, conv string, userIDs ...string) {
	var members []repository.Member
	for _, id := range userIDs {
		members = append(members, repository.Member{
			ConversationID: conv, UserID: id, Role: repository.RoleMember, Active: true,
		})
	}
	repo.members[conv] = members
}

func textRequest(conv, sender, clientID, content string) bus.MessageSend {
	return bus.MessageSend{
		ConversationID:  conv,
		SenderID:        sender,
		ClientMessageID: clientID,
		Type:            protocol.MessageTypeText,
		Content:         content,
	}
}

// ---------------------------------------------------------------------------
// Pipeline tests
// ---------------------------------------------------------------------------

func TestCreateMessage_HappyPath(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	setupConversation(repo, "c1", "S", "A", "B")

	res, err := svc.CreateMessage(context.Background(), textRequest("c1", "S", "cm-1", "hi"))
	if err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}
	if res.Duplicated {
		t.Error("expected duplicated=false on first submission")
	}
	if res.Message.ID == "" {
		t.Error("expected server-assigned message id")
	}

	// Ack to the sender alone.
	acks := pub.byEvent(protocol.EventMessageAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack event, got %d", len(acks))
	}
	if len(acks[0].UserIDs) != 1 || acks[0].UserIDs[0] != "S" {
		t.Errorf("ack targeted %v, want [S]", acks[0].UserIDs)
	}
	var ack protocol.MessageAck
	if err := json.Unmarshal(acks[0].Data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.ClientMessageID != "cm-1" || ack.Duplicated || ack.ServerMessageID != res.Message.ID {
		t.Errorf("unexpected ack: %+v", ack)
	}

	// message:new to the other members only.
	news := pub.byEvent(protocol.EventMessageNew)
	if len(news) != 1 {
		t.Fatalf("expected 1 message:new event, got %d", len(news))
	}
	if got := news[0].UserIDs; len(got) != 2 || contains(got, "S") {
		t.Errorf("message:new targeted %v, want [A B]", got)
	}

	// chat.new_message to all members including the sender.
	reorders := pub.byEvent(protocol.EventChatNewMessage)
	if len(reorders) != 1 {
		t.Fatalf("expected 1 chat.new_message event, got %d", len(reorders))
	}
	if got := reorders[0].UserIDs; len(got) != 3 || !contains(got, "S") {
		t.Errorf("chat.new_message targeted %v, want all members", got)
	}
	var reorder protocol.ChatNewMessage
	if err := json.Unmarshal(reorders[0].Data, &reorder); err != nil {
		t.Fatalf("unmarshal chat.new_message: %v", err)
	}
	if len(reorder.MemberIDs) != 3 {
		t.Errorf("chat.new_message memberIds = %v", reorder.MemberIDs)
	}

	// Last-activity pointer advanced to the new message.
	if repo.lastActivityMsg != res.Message.ID {
		t.Errorf("last activity = %q, want %q", repo.lastActivityMsg, res.Message.ID)
	}
}

func TestCreateMessage_IdempotentReplay(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	setupConversation(repo, "c1", "S", "A", "B")

	first, err := svc.CreateMessage(context.Background(), textRequest("c1", "S", "cm-1", "hi"))
	if err != nil {
		t.Fatalf("first CreateMessage() error: %v", err)
	}

	pub.emitted = nil // observe only the replay's emissions

	second, err := svc.CreateMessage(context.Background(), textRequest("c1", "S", "cm-1", "hi"))
	if err != nil {
		t.Fatalf("replay CreateMessage() error: %v", err)
	}
	if !second.Duplicated {
		t.Error("expected duplicated=true on replay")
	}
	if second.Message.ID != first.Message.ID {
		t.Errorf("replay id = %q, want %q (same record)", second.Message.ID, first.Message.ID)
	}
	if len(repo.messages) != 1 {
		t.Errorf("expected exactly one persisted record, got %d", len(repo.messages))
	}

	// The sender is re-acked; nobody else hears about the replay.
	acks := pub.byEvent(protocol.EventMessageAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack on replay, got %d", len(acks))
	}
	var ack protocol.MessageAck
	if err := json.Unmarshal(acks[0].Data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.Duplicated {
		t.Error("replay ack must carry duplicated=true")
	}
	if got := pub.byEvent(protocol.EventMessageNew); len(got) != 0 {
		t.Errorf("replay must not re-broadcast message:new, got %d", len(got))
	}
	if got := pub.byEvent(protocol.EventChatNewMessage); len(got) != 0 {
		t.Errorf("replay must not re-broadcast chat.new_message, got %d", len(got))
	}
}

func TestCreateMessage_NonMemberDenied(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	setupConversation(repo, "c1", "S", "A")

	_, err := svc.CreateMessage(context.Background(), textRequest("c1", "X", "cm-2", "sneak"))
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindPermissionDenied {
		t.Errorf("kind = %v, want KindPermissionDenied", perr.Kind)
	}
	if perr.Retryable() {
		t.Error("permission denial must not be retryable")
	}
	if len(repo.messages) != 0 {
		t.Error("nothing must be persisted for a denied sender")
	}
	if len(pub.emitted) != 0 {
		t.Error("no delivery events for a denied sender")
	}
}

func TestCreateMessage_InactiveMemberDenied(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	repo.members["c1"] = []repository.Member{
		{ConversationID: "c1", UserID: "S", Role: repository.RoleMember, Active: false},
		{ConversationID: "c1", UserID: "A", Role: repository.RoleMember, Active: true},
	}

	_, err := svc.CreateMessage(context.Background(), textRequest("c1", "S", "cm-3", "hi"))
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindPermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestCreateMessage_ConversationNotFound(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakePublisher{})

	_, err := svc.CreateMessage(context.Background(), textRequest("ghost", "S", "cm-4", "hi"))
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindNotFound || perr.Retryable() {
		t.Errorf("expected non-retryable not_found, got kind=%v retryable=%v", perr.Kind, perr.Retryable())
	}
}

func TestCreateMessage_MissingFieldsRejected(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakePublisher{})

	for _, req := range []bus.MessageSend{
		{SenderID: "S", ClientMessageID: "cm"},
		{ConversationID: "c1", ClientMessageID: "cm"},
		{ConversationID: "c1", SenderID: "S"},
	} {
		_, err := svc.CreateMessage(context.Background(), req)
		var perr *Error
		if !errors.As(err, &perr) || perr.Kind != KindValidation {
			t.Errorf("expected validation error for %+v, got %v", req, err)
		}
	}
}

func TestCreateMessage_TransientInfraFailure(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	setupConversation(repo, "c1", "S", "A")
	repo.failCreate = errors.New("connection refused")

	_, err := svc.CreateMessage(context.Background(), textRequest("c1", "S", "cm-5", "hi"))
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindTransient || !perr.Retryable() {
		t.Errorf("expected retryable transient error, got kind=%v", perr.Kind)
	}
}

func TestCreateMessage_InsertRaceConvergesOnWinner(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := NewService(repo, pub)
	setupConversation(repo, "c1", "S", "A")

	// Simulate a racing retransmission that won the insert after our
	// idempotency lookup came back empty.
	winner := &repository.Message{
		ID: "m-winner", ConversationID: "c1", SenderID: "S",
		ClientMessageID: "cm-6", Type: protocol.MessageTypeText, Content: "hi",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	repo.messages[tripleKey{"c1", "S", "cm-6"}] = winner

	// First lookup misses, the insert conflicts, the re-read finds the winner.
	calls := 0
	hooked := &hookedRepo{fakeRepo: repo, findHook: func() (*repository.Message, error) {
		calls++
		if calls == 1 {
			return nil, nil
		}
		cp := *winner
		return &cp, nil
	}}
	svc = NewService(hooked, pub)

	res, err := svc.CreateMessage(context.Background(), textRequest("c1", "S", "cm-6", "hi"))
	if err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}
	if !res.Duplicated {
		t.Error("expected duplicated=true after losing the insert race")
	}
	if res.Message.ID != "m-winner" {
		t.Errorf("id = %q, want the winning row", res.Message.ID)
	}
	if got := pub.byEvent(protocol.EventMessageNew); len(got) != 0 {
		t.Error("race loser must not broadcast message:new")
	}
}

func TestLastActivityMonotonic(t *testing.T) {
	repo := newFakeRepo()
	repo.lastActivityConv = "c1"
	repo.lastActivityMsg = "m-new"
	repo.lastActivityAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	// An older message completing late must not regress the pointer.
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := repo.UpdateLastActivity(context.Background(), "c1", "m-old", "TEXT", older); err != nil {
		t.Fatalf("UpdateLastActivity() error: %v", err)
	}
	if repo.lastActivityMsg != "m-new" {
		t.Errorf("last activity regressed to %q", repo.lastActivityMsg)
	}
}

func TestEmitError(t *testing.T) {
	pub := &fakePublisher{}
	svc := NewService(newFakeRepo(), pub)
	req := textRequest("c1", "S", "cm-7", "hi")

	svc.EmitError(context.Background(), req, permissionErr("not a member"))

	errs := pub.byEvent(protocol.EventMessageError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(errs))
	}
	if len(errs[0].UserIDs) != 1 || errs[0].UserIDs[0] != "S" {
		t.Errorf("error event targeted %v, want the sender", errs[0].UserIDs)
	}
	var ev protocol.MessageError
	if err := json.Unmarshal(errs[0].Data, &ev); err != nil {
		t.Fatalf("unmarshal error event: %v", err)
	}
	if ev.Code != "permission_denied" || ev.Retryable {
		t.Errorf("unexpected error event: %+v", ev)
	}
	if ev.ClientMessageID != "cm-7" {
		t.Errorf("error event must correlate by clientMessageId, got %q", ev.ClientMessageID)
	}
}

// hookedRepo overrides FindByClientMessageID for race simulation.
type hookedRepo struct {
	*fakeRepo
	findHook func() (*repository.Message, error)
}

func (h *hookedRepo) FindByClientMessageID(_ context.Context, _, _, _ string) (*repository.Message, error) {
	return h.findHook()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
