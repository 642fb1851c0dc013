package bus

import (
	"encoding/json"
	"testing"
)

func TestDecodeEmitEvent(t *testing.T) {
	data, _ := json.Marshal(EmitEvent{
		UserIDs: []string{"u1", "u2"},
		Event:   "message:new",
		Data:    json.RawMessage(`{"id":"m1"}`),
	})

	v, err := Decode(Envelope{Exchange: ExchangeRealtime, RoutingKey: KeyEmitEvent, Data: data})
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	ev, ok := v.(EmitEvent)
	if !ok {
		t.Fatalf("Decode() returned %T, want EmitEvent", v)
	}
	if len(ev.UserIDs) != 2 || ev.UserIDs[0] != "u1" {
		t.Errorf("unexpected userIds: %v", ev.UserIDs)
	}
	if ev.Event != "message:new" {
		t.Errorf("unexpected event name: %q", ev.Event)
	}
}

func TestDecodePresenceEvent(t *testing.T) {
	data, _ := json.Marshal(PresenceEvent{UserID: "u9"})

	for _, key := range []string{KeyUserOnline, KeyUserOffline} {
		v, err := Decode(Envelope{Exchange: ExchangeRealtime, RoutingKey: key, Data: data})
		if err != nil {
			t.Fatalf("Decode(%s) error: %v", key, err)
		}
		ev, ok := v.(PresenceEvent)
		if !ok {
			t.Fatalf("Decode(%s) returned %T, want PresenceEvent", key, v)
		}
		if ev.UserID != "u9" {
			t.Errorf("unexpected userId: %q", ev.UserID)
		}
	}
}

func TestDecodeMessageSend(t *testing.T) {
	data, _ := json.Marshal(MessageSend{
		ConversationID:  "c1",
		SenderID:        "u1",
		ClientMessageID: "cm-1",
		Type:            "TEXT",
		Content:         "hi",
	})

	v, err := Decode(Envelope{Exchange: ExchangeChat, RoutingKey: KeyMessageSend, Data: data})
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	ev := v.(MessageSend)
	if ev.ClientMessageID != "cm-1" || ev.ConversationID != "c1" {
		t.Errorf("unexpected MessageSend: %+v", ev)
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	cases := []Envelope{
		{Exchange: ExchangeChat, RoutingKey: "message.unknown", Data: []byte(`{}`)},
		{Exchange: ExchangeRealtime, RoutingKey: "bogus", Data: []byte(`{}`)},
		{Exchange: "mystery.events", RoutingKey: KeyEmitEvent, Data: []byte(`{}`)},
	}
	for _, env := range cases {
		if _, err := Decode(env); err == nil {
			t.Errorf("Decode(%s:%s) expected error, got nil", env.Exchange, env.RoutingKey)
		}
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	env := Envelope{Exchange: ExchangeChat, RoutingKey: KeyMessageSend, Data: []byte(`{not json`)}
	if _, err := Decode(env); err == nil {
		t.Error("expected error for malformed payload")
	}
}
