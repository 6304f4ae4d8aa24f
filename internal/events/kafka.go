package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var (
	ErrBufferFull = errors.New("event buffer full")
	ErrClosed     = errors.New("publisher closed")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher queues events in memory and writes them from a single
// goroutine, keyed by order id so one order's events stay ordered.
type KafkaPublisher struct {
	w            messageWriter
	inbox        chan kafka.Message
	done         chan struct{}
	writeTimeout time.Duration
	log          *zap.Logger
	failures     prometheus.Counter

	mu     sync.RWMutex
	closed bool
}

func NewKafkaPublisher(brokers []string, topic string, buf int, log *zap.Logger, failures prometheus.Counter) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, buf, log, failures)
}

func newKafkaPublisher(w messageWriter, buf int, log *zap.Logger, failures prometheus.Counter) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaPublisher{
		w:            w,
		inbox:        make(chan kafka.Message, buf),
		done:         make(chan struct{}),
		writeTimeout: 5 * time.Second,
		log:          log,
		failures:     failures,
	}
}

// Start runs the writer loop until Close.
func (p *KafkaPublisher) Start() {
	go func() {
		defer close(p.done)
		for m := range p.inbox {
			p.write(m)
		}
		if err := p.w.Close(); err != nil {
			p.log.Warn("close kafka writer", zap.Error(err))
		}
	}()
}

func (p *KafkaPublisher) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	if err := p.w.WriteMessages(ctx, m); err != nil {
		if p.failures != nil {
			p.failures.Inc()
		}
		p.log.Error("write order event", zap.ByteString("key", m.Key), zap.Error(err))
	}
}

func (p *KafkaPublisher) Publish(_ context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.inbox <- kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.OrderID, 10)),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting events, flushes what is queued and waits for the
// writer loop to exit. Start must have been called.
func (p *KafkaPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
	p.mu.Unlock()
	<-p.done
}
