package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Inbound command traffic is rare; anything past this rate is a broker
// misconfiguration or a retained-message loop.
const (
	commandRateLimit    = 30
	commandRateInterval = time.Minute
)

// CommandHandler is called for each command received on the command
// topic. Implementations must be safe for concurrent use.
type CommandHandler func(command string)

// SetCommandHandler installs the function invoked for commands
// published to the command topic. Without a handler, commands are
// logged and dropped.
func (p *Publisher) SetCommandHandler(h CommandHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// subscribeCommands (re-)subscribes to the command topic. Called from
// OnConnectionUp because the broker may discard session state between
// connections.
func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.commandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt command topic subscribed", "topic", topic)
}

// handleInbound dispatches one received message. Only the command
// topic is subscribed, but the broker is not trusted to enforce that.
func (p *Publisher) handleInbound(topic string, payload []byte) {
	if !p.limiter.allow() {
		return
	}
	if topic != p.commandTopic() {
		p.logger.Debug("mqtt message on unexpected topic",
			"topic", topic, "payload_size", len(payload))
		return
	}

	command := strings.ToLower(strings.TrimSpace(string(payload)))
	if command == "" {
		return
	}

	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		p.logger.Debug("mqtt command ignored, no handler wired", "command", command)
		return
	}

	p.logger.Info("mqtt command received", "command", command)
	h(command)
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
