// Package pubsub publishes batch summaries to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/specscraper/internal/crawler"
)

// Publisher wraps a Pub/Sub client and keeps one topic handle per name.
type Publisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ crawler.Publisher = (*Publisher)(nil)

// New creates a Publisher over an existing client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{client: client, topics: make(map[string]*pubsub.Topic)}
}

// Open creates a client for project using Application Default Credentials.
func Open(ctx context.Context, project string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return New(client), nil
}

// Publish marshals the payload to JSON and waits for the server ack.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content-type": "application/json"},
	}
	result := p.topic(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
