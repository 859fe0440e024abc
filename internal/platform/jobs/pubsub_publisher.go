package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrPublisherNotInitialised reports use of a nil publisher.
var ErrPublisherNotInitialised = errors.New("pubsub publisher: not initialised")

// Publisher publishes JSON encoded messages to a single Pub/Sub topic.
type Publisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPublisher constructs a Pub/Sub backed publisher.
func NewPublisher(topic *pubsub.Topic) (*Publisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &Publisher{topic: topic, marshal: json.Marshal}, nil
}

// Publish encodes payload as JSON and waits for the server-assigned message id. Blank attribute
// values are dropped.
func (p *Publisher) Publish(ctx context.Context, payload any, attrs map[string]string) (string, error) {
	if p == nil || p.topic == nil {
		return "", ErrPublisherNotInitialised
	}
	data, err := p.marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s message: %w", p.topic.ID(), err)
	}

	clean := make(map[string]string, len(attrs))
	for key, value := range attrs {
		if v := strings.TrimSpace(value); v != "" {
			clean[key] = v
		}
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: clean})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s message: %w", p.topic.ID(), err)
	}
	return id, nil
}

// Stop flushes pending messages and stops the topic's publishing goroutines.
func (p *Publisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

// NewClient creates a Pub/Sub client, connecting insecurely to emulatorHost when set.
func NewClient(ctx context.Context, projectID, emulatorHost string, opts ...option.ClientOption) (*pubsub.Client, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("pubsub: project id is required")
	}
	if host := strings.TrimSpace(emulatorHost); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: create client: %w", err)
	}
	return client, nil
}
