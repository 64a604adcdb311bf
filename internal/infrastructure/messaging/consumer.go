package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY CONSUMER
// ══════════════════════════════════════════════════════════════════════════════

// DefaultActivityChannel is the Pub/Sub channel upstream producers
// publish activity events on.
const DefaultActivityChannel = "progress:activity"

// Submitter accepts events for processing. Satisfied by *Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, evt activity.Event) error
}

// ActivityConsumer reads JSON activity events from Redis Pub/Sub and
// hands them to a Submitter. Pub/Sub delivery is at most once; anything
// that reaches the dispatcher and then fails transiently is spooled.
type ActivityConsumer struct {
	client      RedisClient
	submitter   Submitter
	channelName string
	log         *logger.Logger

	received atomic.Int64
	rejected atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// ActivityConsumerConfig contains configuration for ActivityConsumer.
type ActivityConsumerConfig struct {
	Client    RedisClient
	Submitter Submitter

	// ChannelName defaults to DefaultActivityChannel.
	ChannelName string
	Logger      *logger.Logger
}

// NewActivityConsumer creates a consumer. Call Start to subscribe.
func NewActivityConsumer(config ActivityConsumerConfig) (*ActivityConsumer, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if config.ChannelName == "" {
		config.ChannelName = DefaultActivityChannel
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	return &ActivityConsumer{
		client:      config.Client,
		submitter:   config.Submitter,
		channelName: config.ChannelName,
		log:         config.Logger.Named("consumer.activity"),
	}, nil
}

// Start subscribes and consumes in the background until Stop.
func (c *ActivityConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("consumer already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	messages, err := c.client.Subscribe(ctx, c.channelName)
	if err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go func() {
		defer close(c.done)
		c.loop(ctx, messages)
	}()

	c.log.Info("consuming activity events", logger.String("channel", c.channelName))
	return nil
}

func (c *ActivityConsumer) loop(ctx context.Context, messages <-chan RedisMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Err != nil {
				c.log.Error("activity subscription error", logger.Err(msg.Err))
				continue
			}
			c.handle(ctx, msg.Payload)
		}
	}
}

func (c *ActivityConsumer) handle(ctx context.Context, payload string) {
	c.received.Add(1)

	var evt activity.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		c.rejected.Add(1)
		c.log.Warn("discarding malformed activity event", logger.Err(err))
		return
	}
	if err := c.submitter.Submit(ctx, evt); err != nil {
		c.rejected.Add(1)
		c.log.Error("failed to submit activity event", logger.UserID(evt.UserID), logger.Err(err))
	}
}

// Stop cancels the subscription and waits for the loop to exit.
func (c *ActivityConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// Stats returns how many messages arrived and how many were rejected.
func (c *ActivityConsumer) Stats() (received, rejected int64) {
	return c.received.Load(), c.rejected.Load()
}
