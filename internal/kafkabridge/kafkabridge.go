// Package kafkabridge implements an optional ingest path adapted from the
// teacher's kafka.Consumer: it polls franz-go for records and turns each
// one into a Publish action against a named pool, giving publishers an
// alternate ingress alongside the HTTP control plane. It is best-effort —
// a dropped or out-of-order record never blocks the Processor it feeds.
package kafkabridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/latticeio/latticed/internal/ids"
	"github.com/latticeio/latticed/internal/metrics"
	"github.com/latticeio/latticed/internal/processor"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Dispatcher submits a Publish action to the pool that should carry it.
// A record's Kafka topic names the pool directly.
type Dispatcher interface {
	Submit(pool ids.SessionPoolName, action processor.Action) bool
}

type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
}

// Bridge owns one franz-go client and the goroutine draining it.
type Bridge struct {
	client     *kgo.Client
	dispatcher Dispatcher
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received uint64
	dropped  uint64
}

func New(cfg Config, dispatcher Dispatcher, log zerolog.Logger) (*Bridge, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:     client,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "kafkabridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the poll loop. Each call starts one more poll goroutine
// on the same client, so callers call it once.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.pollLoop()
}

func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()
	b.client.Close()
}

func (b *Bridge) pollLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		fetches := b.client.PollFetches(b.ctx)
		if b.ctx.Err() != nil {
			return
		}

		for _, err := range fetches.Errors() {
			b.log.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("kafka fetch error")
		}

		fetches.EachRecord(b.handleRecord)
	}
}

// handleRecord maps one Kafka record to a Publish action on the pool its
// topic names. A record whose payload isn't valid JSON, or whose target
// pool has no live Processor, is dropped rather than retried — matching
// the at-most-once ingress the fabric as a whole already is.
func (b *Bridge) handleRecord(record *kgo.Record) {
	atomic.AddUint64(&b.received, 1)
	metrics.KafkaMessagesReceivedTotal.Inc()

	if !json.Valid(record.Value) {
		b.log.Warn().Str("topic", record.Topic).Msg("dropping non-JSON kafka record")
		atomic.AddUint64(&b.dropped, 1)
		metrics.KafkaMessagesDroppedTotal.Inc()
		return
	}

	pool := ids.SessionPoolName(record.Topic)
	topic := ids.Topic(string(record.Key))

	action := processor.PublishAction(topic, json.RawMessage(record.Value))
	if !b.dispatcher.Submit(pool, action) {
		b.log.Debug().Str("pool", string(pool)).Msg("dropping kafka record: no live pool")
		atomic.AddUint64(&b.dropped, 1)
		metrics.KafkaMessagesDroppedTotal.Inc()
	}
}

// Stats reports best-effort ingress counters for diagnostics/metrics.
func (b *Bridge) Stats() (received, dropped uint64) {
	return atomic.LoadUint64(&b.received), atomic.LoadUint64(&b.dropped)
}
