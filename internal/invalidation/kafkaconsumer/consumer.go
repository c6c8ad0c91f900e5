// Package kafkaconsumer drains invalidation events from a Kafka topic
// and deletes the cached tiles each event covers.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cartogrid/tileserv/internal/coordinator"
	"github.com/cartogrid/tileserv/internal/core/observability"
	"github.com/cartogrid/tileserv/internal/invalidation"
)

type Consumer struct {
	cfg      Config
	resolver coordinator.Resolver
	log      *slog.Logger

	// seen drops redelivered messages; keyed by content hash because
	// at-least-once delivery re-sends byte-identical values.
	seen *lru.Cache[uint64, struct{}]
}

func New(cfg Config, resolver coordinator.Resolver, log *slog.Logger) (*Consumer, error) {
	if resolver == nil {
		return nil, errors.New("kafkaconsumer: resolver is required")
	}
	if log == nil {
		log = slog.Default()
	}
	size := cfg.DedupeSize
	if size <= 0 {
		size = 4096
	}
	seen, err := lru.New[uint64, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}
	return &Consumer{cfg: cfg, resolver: resolver, log: log, seen: seen}, nil
}

// Start joins the consumer group and processes events until ctx is
// canceled. Transient group errors are retried with a small backoff.
func (c *Consumer) Start(ctx context.Context) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.log.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				observability.IncKafkaConsumerError("consume")
				c.log.Error("kafka consume failed",
					"topic", c.cfg.Topic, "err", err)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single message. A malformed message is dropped
// with an error count rather than returned, so one bad producer cannot
// wedge the partition.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if h := xxhash.Sum64(msg.Value); !c.markSeen(h) {
		c.log.Debug("duplicate invalidation message skipped",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return nil
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncKafkaConsumerError("decode")
		c.log.Error("invalidation event decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.IncKafkaConsumerError("validate")
		c.log.Error("invalid invalidation event",
			"layer", ev.Layer, "op", ev.Op, "err", err)
		return nil
	}

	l, err := c.resolver.Resolve(ev.Layer)
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownLayer) {
			c.log.Debug("invalidation for unconfigured layer skipped", "layer", ev.Layer)
			return nil
		}
		return err
	}

	minZoom, maxZoom, ok := ev.ZoomRange(l.MinZoom, l.MaxZoom)
	if !ok {
		observability.ObserveInvalidation(ev.Op, ev.Layer, 0, nil)
		return nil
	}

	addrs := invalidation.Tiles(ev, l.Grid, l.Name, minZoom, maxZoom)
	if len(addrs) == 0 {
		observability.ObserveInvalidation(ev.Op, ev.Layer, 0, nil)
		return nil
	}

	if err := l.Cache.Delete(ctx, addrs...); err != nil {
		observability.IncKafkaConsumerError("delete")
		observability.ObserveInvalidation(ev.Op, ev.Layer, 0, err)
		return fmt.Errorf("invalidate %d tiles: %w", len(addrs), err)
	}

	observability.ObserveInvalidation(ev.Op, ev.Layer, len(addrs), nil)
	c.log.Debug("invalidated tiles",
		"layer", ev.Layer, "op", ev.Op, "tiles", len(addrs),
		"zooms", fmt.Sprintf("%d-%d", minZoom, maxZoom))
	return nil
}

func (c *Consumer) markSeen(h uint64) bool {
	if _, dup := c.seen.Get(h); dup {
		return false
	}
	c.seen.Add(h, struct{}{})
	return true
}
