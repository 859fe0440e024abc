package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/pstest"
)

type leadPayload struct {
	LeadID   string `json:"leadId"`
	Identity string `json:"identity"`
}

func TestPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := NewClient(ctx, "test-project", srv.Addr)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "popup-leads")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPublisher(topic)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer publisher.Stop()

	msg := leadPayload{LeadID: "01JNDX2Z8S4W6Y", Identity: "welcome"}
	if _, err := publisher.Publish(ctx, msg, map[string]string{"identity": "welcome", "download": "  "}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload leadPayload
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload != msg {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["identity"]; attr != "welcome" {
		t.Fatalf("expected identity attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["download"]; ok {
		t.Fatalf("blank attributes must be dropped")
	}
}

func TestNilPublisher(t *testing.T) {
	var publisher *Publisher
	if _, err := publisher.Publish(context.Background(), struct{}{}, nil); err != ErrPublisherNotInitialised {
		t.Fatalf("expected ErrPublisherNotInitialised, got %v", err)
	}
	if _, err := NewPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
