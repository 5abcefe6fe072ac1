// Package pubsub implements a Google Cloud Pub/Sub event publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// EventAttribute carries the logical event name on every message.
const EventAttribute = "event"

// Publisher publishes domain events to Pub/Sub topics. Logical event names are
// mapped to topic IDs; unmapped names are used as topic IDs directly.
type Publisher struct {
	client *pubsub.Client
	routes map[string]string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ harvest.Publisher = (*Publisher)(nil)

// New creates a Publisher on client.
func New(client *pubsub.Client, routes map[string]string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	r := make(map[string]string, len(routes))
	for k, v := range routes {
		r[k] = v
	}
	return &Publisher{client: client, routes: r, topics: make(map[string]*pubsub.Topic)}, nil
}

// Publish marshals the payload to JSON and waits for the server ack.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{EventAttribute: event},
	}
	id, err := p.topic(event).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages and releases topic resources.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.topics {
		t.Stop()
		delete(p.topics, id)
	}
}

func (p *Publisher) topic(event string) *pubsub.Topic {
	id := event
	if mapped, ok := p.routes[event]; ok && mapped != "" {
		id = mapped
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[id]
	if !ok {
		t = p.client.Topic(id)
		p.topics[id] = t
	}
	return t
}
