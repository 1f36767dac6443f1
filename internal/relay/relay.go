// Package relay bridges lesson events and classroom chat between
// presencehub instances over Redis pub/sub. Presence is not relayed; each instance reports its own
// connections.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"presencehub/internal/metrics"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// Config selects the Redis server and channel.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// envelope is the pub/sub payload.
type envelope struct {
	Origin string          `json:"origin"`
	Type   string          `json:"type"`
	Event  json.RawMessage `json:"event"`
}

const outboxSize = 256

// Relay implements interfaces.Broadcaster. Every event goes to the local
// broadcaster; lesson and chat events are also published for other instances.
type Relay struct {
	client     *redis.Client
	channel    string
	instanceID string
	local      interfaces.Broadcaster
	metrics    *metrics.Metrics

	outbox    chan []byte
	ready     chan struct{}
	readyOnce sync.Once
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, config Config, local interfaces.Broadcaster, m *metrics.Metrics) (*Relay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	log.Printf("Relay connected to redis at %s, channel %s", config.Addr, config.Channel)
	return NewWithClient(client, config.Channel, local, m), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, channel string, local interfaces.Broadcaster, m *metrics.Metrics) *Relay {
	return &Relay{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		local:      local,
		metrics:    m,
		outbox:     make(chan []byte, outboxSize),
		ready:      make(chan struct{}),
	}
}

// InstanceID tags events published by this process.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Ready is closed once the subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Broadcast delivers locally, then queues lesson events for publishing.
func (r *Relay) Broadcast(event interface{}) int {
	delivered := r.local.Broadcast(event)

	eventType := relayedType(event)
	if eventType == "" {
		return delivered
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Relay: failed to encode %s: %v", eventType, err)
		return delivered
	}
	data, err := json.Marshal(envelope{Origin: r.instanceID, Type: eventType, Event: payload})
	if err != nil {
		log.Printf("Relay: failed to encode envelope: %v", err)
		return delivered
	}

	select {
	case r.outbox <- data:
	default:
		log.Printf("Relay: outbox full, dropping %s", eventType)
		r.metrics.RelayPublish(false)
	}
	return delivered
}

func relayedType(event interface{}) string {
	switch e := event.(type) {
	case *types.LessonStartedEvent:
		return e.Type
	case *types.LessonEndedEvent:
		return e.Type
	case *types.GroupMessageEvent:
		return e.Type
	default:
		return ""
	}
}

// Run subscribes and pumps both directions until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })

	incoming := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case data := <-r.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.client.Publish(pubCtx, r.channel, data).Err()
			cancel()
			if err != nil {
				log.Printf("Relay: publish failed: %v", err)
			}
			r.metrics.RelayPublish(err == nil)

		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

// deliver re-broadcasts an event published by another instance.
func (r *Relay) deliver(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Printf("Relay: dropping malformed payload: %v", err)
		return
	}
	if env.Origin == r.instanceID {
		return
	}

	var event interface{}
	switch env.Type {
	case types.MessageTypeLessonStarted:
		event = &types.LessonStartedEvent{}
	case types.MessageTypeLessonEnded:
		event = &types.LessonEndedEvent{}
	case types.MessageTypeGroupMessage:
		event = &types.GroupMessageEvent{}
	default:
		log.Printf("Relay: dropping unknown event type %q", env.Type)
		return
	}
	if err := json.Unmarshal(env.Event, event); err != nil {
		log.Printf("Relay: dropping malformed %s: %v", env.Type, err)
		return
	}

	r.metrics.RelayReceive()
	r.local.Broadcast(event)
}

// Close closes the Redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
