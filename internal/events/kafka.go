package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/roomline/msgcache/pkg/config"
	"github.com/roomline/msgcache/pkg/logging"
)

var (
	// ErrDispatcherClosed is returned by Publish after Close
	ErrDispatcherClosed = errors.New("kafka dispatcher closed")
	// ErrQueueFull is returned when an event could not be queued within
	// the enqueue timeout
	ErrQueueFull = errors.New("kafka queue full")
)

const defaultEnqueueTimeout = 50 * time.Millisecond

// KafkaOptions sizes the dispatcher queue and retry policy
type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// EnqueueTimeout bounds how long Publish waits on a full queue
	EnqueueTimeout time.Duration
}

// KafkaOptionsFromConfig reads the dispatcher options from the kafka section
func KafkaOptionsFromConfig(cfg *config.KafkaConfig) KafkaOptions {
	return KafkaOptions{
		QueueSize:   cfg.QueueSize,
		Workers:     cfg.Workers,
		MaxRetry:    cfg.MaxRetry,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,

		EnqueueTimeout: cfg.EnqueueTimeout,
	}
}

// KafkaDispatcher publishes events to a topic keyed by room id, so one
// room's events stay ordered within a partition. Publish only enqueues;
// workers send with bounded retries and drop what still fails.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     KafkaOptions

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewKafkaProducer creates a synchronous producer for the configured brokers
func NewKafkaProducer(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Successes = true
	// The dispatcher owns retries
	sc.Producer.Retry.Max = 0
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafkaDispatcher starts the dispatcher workers
func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, opts KafkaOptions) *KafkaDispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = defaultEnqueueTimeout
	}

	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		queue:    make(chan Event, opts.QueueSize),
		logger:   logging.WithComponent("kafka-dispatcher"),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Publish enqueues evt. A full queue waits at most EnqueueTimeout, or less
// if ctx is done first, then drops the event.
func (d *KafkaDispatcher) Publish(ctx context.Context, evt Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- evt:
		return nil
	default:
	}

	timeout := d.opts.EnqueueTimeout
	if timeout <= 0 {
		timeout = defaultEnqueueTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = ErrQueueFull
	}
	d.logger.Warn("Kafka queue full, dropping event",
		zap.String("room_id", evt.RoomID),
		zap.String("type", string(evt.Type)),
		zap.Error(err),
	)
	return err
}

// Close stops accepting events, drains the queue and closes the producer
func (d *KafkaDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return d.producer.Close()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt Event) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}

		if attempt == d.opts.MaxRetry {
			d.logger.Error("Kafka send failed, dropping event",
				zap.Int("worker", workerID),
				zap.String("room_id", evt.RoomID),
				zap.String("message_id", evt.MessageID),
				zap.String("type", string(evt.Type)),
				zap.Error(err),
			)
			return
		}

		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	})
	return err
}
