package databus

import (
	"context"
	"encoding/json"
	"go.uber.org/atomic"
	"gopkg.in/Shopify/sarama.v1"
	"moff.io/coursewallet/internal/connection"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"strings"
	"sync"
)

type Event interface {
	Serialize() []byte
	Topic() string
	Key() string
}

type DataBus struct {
	producer sarama.SyncProducer
}

func NewDataBus(host string) (*DataBus, error) {
	hosts := strings.Split(host, ",")
	conf := sarama.NewConfig()
	conf.Producer.Return.Successes = true
	p, err := sarama.NewSyncProducer(hosts, conf)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	log.Info("Kafka producer initialized...")
	return &DataBus{producer: p}, nil
}

func NewDataBusWithProducer(p sarama.SyncProducer) *DataBus {
	return &DataBus{producer: p}
}

func (db *DataBus) PublishRaw(topic, key string, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.StringEncoder(raw),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	partition, offset, err := db.producer.SendMessage(msg)
	if err != nil {
		return errors.WrapAndReport(err, "produce message")
	}
	log.Debugf("produce message success-partition: %d, offset: %d", partition, offset)
	return nil
}

func (db *DataBus) Publish(e Event) (err error) {
	return db.PublishRaw(e.Topic(), e.Key(), e.Serialize())
}

func (db *DataBus) Close() error {
	return db.producer.Close()
}

type statusEvent struct {
	topic  string
	status connection.Status
}

func (e statusEvent) Topic() string {
	return e.topic
}

func (e statusEvent) Key() string {
	if e.status.Account == nil {
		return ""
	}
	return strings.ToLower(e.status.Account.Hex())
}

func (e statusEvent) Serialize() []byte {
	data, err := json.Marshal(e.status)
	if err != nil {
		log.Errorf("marshal status:%v", err)
	}
	return data
}

// StatusSource delivers connection statuses.
type StatusSource interface {
	OnChange(fn func(connection.Status)) (unsubscribe func())
}

const statusQueueSize = 64

// StatusPublisher forwards delivered statuses to a kafka topic. Statuses that
// arrive while statusQueueSize of them wait for the broker are dropped and
// counted, so a slow broker never holds up the facade.
type StatusPublisher struct {
	bus    *DataBus
	topic  string
	source StatusSource

	queue   chan connection.Status
	stop    chan struct{}
	off     func()
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

func NewStatusPublisher(bus *DataBus, topic string, source StatusSource) *StatusPublisher {
	return &StatusPublisher{
		bus:    bus,
		topic:  topic,
		source: source,
		queue:  make(chan connection.Status, statusQueueSize),
		stop:   make(chan struct{}),
	}
}

func (p *StatusPublisher) Start(ctx context.Context) {
	p.off = p.source.OnChange(p.offer)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				p.drain()
				return
			case st := <-p.queue:
				p.publish(st)
			}
		}
	}()
	log.Infof("status publisher started on topic %s", p.topic)
}

func (p *StatusPublisher) offer(st connection.Status) {
	select {
	case p.queue <- st:
	default:
		n := p.dropped.Inc()
		log.WithField("dropped", n).Warnf("status publisher - queue full, drop status of epoch %d", st.Epoch)
	}
}

// Dropped counts statuses discarded because the queue was full.
func (p *StatusPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *StatusPublisher) publish(st connection.Status) {
	if err := p.bus.Publish(statusEvent{topic: p.topic, status: st}); err != nil {
		log.Error(err)
	}
}

func (p *StatusPublisher) drain() {
	for {
		select {
		case st := <-p.queue:
			p.publish(st)
		default:
			return
		}
	}
}

// Stop unsubscribes and waits for queued statuses to be published.
func (p *StatusPublisher) Stop() {
	if p.off != nil {
		p.off()
	}
	close(p.stop)
	p.wg.Wait()
}
