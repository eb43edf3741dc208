package syncpad

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"github.com/syncpad/syncpad/utils"
)

// KafkaDispatcher mirrors accepted edits onto a Kafka topic for downstream
// consumers (search indexers, audit, analytics). It is a local bounded
// queue plus async workers with bounded retry: publishing never blocks the
// submit path, and the downstream feed is best-effort. The replay log
// stays the source of truth.
//
// Messages are keyed by docId, so per-document order survives partitioning.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      utils.Logger

	queue chan EditEvent

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	done chan struct{}
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *KafkaDispatcherOptions) SetDefaults() {
	if o.QueueSize == 0 {
		o.QueueSize = 1024
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.MaxRetry == 0 {
		o.MaxRetry = 3
	}
	if o.BaseBackoff == 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 2 * time.Second
	}
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, log utils.Logger, opt KafkaDispatcherOptions) *KafkaDispatcher {
	opt.SetDefaults()
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		log:         log,
		queue:       make(chan EditEvent, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		done:        make(chan struct{}),
	}
	for i := 0; i < d.workers; i++ {
		go d.workerLoop()
	}
	return d
}

// Enqueue parks one accepted edit for async publishing. When the queue is
// full it waits up to the caller's deadline, then gives up; the edit is
// already durable in the log either way.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, ev EditEvent) error {
	select {
	case d.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Close() {
	close(d.done)
}

func (d *KafkaDispatcher) workerLoop() {
	for {
		select {
		case ev := <-d.queue:
			d.sendWithRetry(ev)
		case <-d.done:
			return
		}
	}
}

func (d *KafkaDispatcher) sendWithRetry(ev EditEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(ev)
		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			d.log.Warn("kafka publish failed, dropping event",
				"doc", ev.DocID, "version", ev.Version, "err", err)
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(ev EditEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(ev.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
