// Package rabbitmqtest provides an in-memory AMQP 0-9-1 broker for tests.
//
// It implements the routing rules the job queue depends on: direct, topic
// and fanout exchanges, alternate exchanges for unroutable messages,
// dead-letter exchanges for rejected messages, per-channel prefetch and
// manual ack/reject. Declarations are idempotent and checked for
// equivalence the way RabbitMQ does.
package rabbitmqtest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobq/shared/rabbitmq"
)

// Published records one message accepted by an exchange
type Published struct {
	Exchange   string
	RoutingKey string
	Type       string
	MessageID  string
	Persistent bool
	Body       []byte
}

// Binding is a queue binding as seen from the queue side
type Binding struct {
	Exchange string
	Key      string
}

// Broker is an in-memory broker. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	published []Published
	nextTag   uint64
	nextID    int
	channels  map[int]*Channel

	dialErr        error
	openChannelErr error
	publishErr     error
	dials          int
}

type exchange struct {
	kind       string
	durable    bool
	autoDelete bool
	args       amqp.Table
	bindings   []Binding // Exchange holds the queue name here
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
	pending    []*message
	consumers  []*consumer
	everUsed   bool
	rr         int
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag   string
	queue string
	ch    *Channel
	out   chan amqp.Delivery
}

type unacked struct {
	queue string
	msg   *message
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		channels:  make(map[int]*Channel),
	}
}

// Dial is a rabbitmq.DialFunc connecting to b
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &Conn{broker: b}, nil
}

// Dials returns how many times Dial was called
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// FailDial makes Dial fail with err until cleared with nil
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailOpenChannel makes OpenChannel fail with err until cleared with nil
func (b *Broker) FailOpenChannel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openChannelErr = err
}

// FailPublish makes every publish fail with err until cleared with nil
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Published returns every message accepted by an exchange, in order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns the messages accepted by the named exchange
func (b *Broker) PublishedTo(exchangeName string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.Exchange == exchangeName {
			out = append(out, p)
		}
	}
	return out
}

// Pending returns the bodies waiting in queue, not yet delivered
func (b *Broker) Pending(queueName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.pending))
	for _, m := range q.pending {
		out = append(out, m.pub.Body)
	}
	return out
}

// Unacked returns how many deliveries from queue are unacknowledged
func (b *Broker) Unacked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.channels {
		for _, u := range ch.unacked {
			if u.queue == queueName {
				n++
			}
		}
	}
	return n
}

// HasExchange reports whether the exchange exists
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// ExchangeArgs returns the declaration arguments of an exchange
func (b *Broker) ExchangeArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		return ex.args
	}
	return nil
}

// HasQueue reports whether the queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the declaration arguments of a queue
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Bindings returns the bindings of a queue
func (b *Broker) Bindings(queueName string) []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Binding
	for name, ex := range b.exchanges {
		for _, bd := range ex.bindings {
			if bd.Exchange == queueName {
				out = append(out, Binding{Exchange: name, Key: bd.Key})
			}
		}
	}
	return out
}

// OpenChannels returns how many channels are open
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.channels {
		if !ch.closed {
			n++
		}
	}
	return n
}

// Consumers returns how many consumers are registered on queue
func (b *Broker) Consumers(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.consumers)
	}
	return 0
}

// CancelConsumers ends every consumer on queue the way a broker-side
// basic.cancel does: the delivery channels are closed.
func (b *Broker) CancelConsumers(queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return
	}
	for _, c := range q.consumers {
		c.ch.removeConsumer(c)
		close(c.out)
	}
	q.consumers = nil
}

// Publish publishes body directly, bypassing any client channel
func (b *Broker) Publish(exchangeName, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(exchangeName, routingKey, amqp.Publishing{Body: body, DeliveryMode: amqp.Persistent})
}

func (b *Broker) publishLocked(exchangeName, routingKey string, pub amqp.Publishing) error {
	if exchangeName == "" {
		b.recordLocked(exchangeName, routingKey, pub)
		if q, ok := b.queues[routingKey]; ok {
			b.enqueueLocked(q, &message{routingKey: routingKey, pub: pub})
		}
		return nil
	}

	if _, ok := b.exchanges[exchangeName]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	b.recordLocked(exchangeName, routingKey, pub)

	for _, name := range b.routeLocked(exchangeName, routingKey, map[string]bool{}) {
		b.enqueueLocked(b.queues[name], &message{exchange: exchangeName, routingKey: routingKey, pub: pub})
	}
	return nil
}

func (b *Broker) recordLocked(exchangeName, routingKey string, pub amqp.Publishing) {
	b.published = append(b.published, Published{
		Exchange:   exchangeName,
		RoutingKey: routingKey,
		Type:       pub.Type,
		MessageID:  pub.MessageId,
		Persistent: pub.DeliveryMode == amqp.Persistent,
		Body:       pub.Body,
	})
}

// routeLocked resolves the queues a message reaches, following the
// alternate exchange when nothing matches
func (b *Broker) routeLocked(exchangeName, routingKey string, visited map[string]bool) []string {
	ex, ok := b.exchanges[exchangeName]
	if !ok || visited[exchangeName] {
		return nil
	}
	visited[exchangeName] = true

	seen := map[string]bool{}
	var out []string
	for _, bd := range ex.bindings {
		if seen[bd.Exchange] {
			continue
		}
		var hit bool
		switch ex.kind {
		case amqp.ExchangeFanout:
			hit = true
		case amqp.ExchangeTopic:
			hit = MatchTopic(bd.Key, routingKey)
		default:
			hit = bd.Key == routingKey
		}
		if hit {
			seen[bd.Exchange] = true
			out = append(out, bd.Exchange)
		}
	}

	if len(out) == 0 {
		if alt, ok := ex.args[rabbitmq.ArgAlternateExchange].(string); ok {
			return b.routeLocked(alt, routingKey, visited)
		}
	}
	return out
}

func (b *Broker) enqueueLocked(q *queue, m *message) {
	if q == nil {
		return
	}
	q.pending = append(q.pending, m)
	b.dispatchLocked(q)
}

func (b *Broker) requeueLocked(q *queue, m *message) {
	if q == nil {
		return
	}
	m.redelivered = true
	q.pending = append([]*message{m}, q.pending...)
}

func (b *Broker) deadLetterLocked(q *queue, m *message) {
	dlx, ok := q.args[rabbitmq.ArgDeadLetterExchange].(string)
	if !ok || dlx == "" {
		return
	}
	_ = b.publishLocked(dlx, m.routingKey, m.pub)
}

// dispatchLocked hands pending messages to consumers with free prefetch
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.pending) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		m := q.pending[0]
		q.pending = q.pending[1:]

		b.nextTag++
		tag := b.nextTag
		c.ch.unacked[tag] = &unacked{queue: q.name, msg: m}
		c.out <- amqp.Delivery{
			Acknowledger: c.ch,
			Headers:      m.pub.Headers,
			ContentType:  m.pub.ContentType,
			DeliveryMode: m.pub.DeliveryMode,
			MessageId:    m.pub.MessageId,
			Timestamp:    m.pub.Timestamp,
			Type:         m.pub.Type,
			ConsumerTag:  c.tag,
			DeliveryTag:  tag,
			Redelivered:  m.redelivered,
			Exchange:     m.exchange,
			RoutingKey:   m.routingKey,
			Body:         m.pub.Body,
		}
	}
}

func (q *queue) nextConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.rr+i)%len(q.consumers)]
		if c.ch.hasCapacity() {
			q.rr = (q.rr + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

// MatchTopic reports whether a topic binding pattern matches a routing
// key. "*" matches one word, "#" matches zero or more words.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	if len(p) == 0 {
		return len(k) == 0
	}
	switch p[0] {
	case "#":
		for i := 0; i <= len(k); i++ {
			if matchWords(p[1:], k[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(k) > 0 && matchWords(p[1:], k[1:])
	default:
		return len(k) > 0 && p[0] == k[0] && matchWords(p[1:], k[1:])
	}
}

// Conn is a connection to the in-memory broker
type Conn struct {
	broker *Broker
	closed bool
	chans  []*Channel
}

// OpenChannel opens a new channel
func (c *Conn) OpenChannel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if b.openChannelErr != nil {
		return nil, b.openChannelErr
	}
	b.nextID++
	ch := &Channel{broker: b, id: b.nextID, unacked: make(map[uint64]*unacked)}
	b.channels[ch.id] = ch
	c.chans = append(c.chans, ch)
	return ch, nil
}

// IsClosed reports whether Close was called
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all of its channels
func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.chans {
		ch.closeLocked()
	}
	return nil
}

// Channel is a channel on the in-memory broker. It implements both
// rabbitmq.Channel and amqp.Acknowledger.
type Channel struct {
	broker    *Broker
	id        int
	closed    bool
	prefetch  int
	unacked   map[uint64]*unacked
	consumers []*consumer
}

var _ rabbitmq.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

func (ch *Channel) hasCapacity() bool {
	return !ch.closed && (ch.prefetch == 0 || len(ch.unacked) < ch.prefetch)
}

// Prefetch returns the prefetch count set with Qos
func (ch *Channel) Prefetch() int {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.prefetch
}

// Qos sets the prefetch count
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// ExchangeDeclare declares an exchange or checks an existing one
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable || ex.autoDelete != autoDelete || !sameArgs(ex.args, args) {
			return ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name))
		}
		return nil
	}

	b.exchanges[name] = &exchange{kind: kind, durable: durable, autoDelete: autoDelete, args: args}
	return nil
}

// QueueDeclare declares a queue or checks an existing one
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		b.nextID++
		name = fmt.Sprintf("amq.gen-%d", b.nextID)
	}

	if q, ok := b.queues[name]; ok {
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive || !sameArgs(q.args, args) {
			return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.pending), Consumers: len(q.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args}
	return amqp.Queue{Name: name}, nil
}

// QueueBind binds a queue to an exchange; duplicate bindings are ignored
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	for _, bd := range ex.bindings {
		if bd.Exchange == name && bd.Key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, Binding{Exchange: name, Key: key})
	return nil
}

// QueueUnbind removes a binding
func (ch *Channel) QueueUnbind(name, key, exchangeName string, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}
	kept := ex.bindings[:0]
	for _, bd := range ex.bindings {
		if !(bd.Exchange == name && bd.Key == key) {
			kept = append(kept, bd)
		}
	}
	ex.bindings = kept
	return nil
}

// QueueDelete deletes a queue and its bindings
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	n := len(q.pending)
	b.deleteQueueLocked(q)
	return n, nil
}

func (b *Broker) deleteQueueLocked(q *queue) {
	for _, c := range q.consumers {
		c.ch.removeConsumer(c)
		close(c.out)
	}
	q.consumers = nil
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.Exchange != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	delete(b.queues, q.name)
}

// Consume registers a consumer and returns its delivery channel
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if consumerTag == "" {
		b.nextID++
		consumerTag = fmt.Sprintf("ctag-%d", b.nextID)
	}

	c := &consumer{tag: consumerTag, queue: queueName, ch: ch, out: make(chan amqp.Delivery, 256)}
	q.consumers = append(q.consumers, c)
	q.everUsed = true
	ch.consumers = append(ch.consumers, c)
	b.dispatchLocked(q)
	return c.out, nil
}

// PublishWithContext publishes a message
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	if err := b.publishLocked(exchangeName, key, msg); err != nil {
		ch.closeLocked()
		return err
	}
	return nil
}

// Ack acknowledges a delivery
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}
	delete(ch.unacked, tag)
	if q, ok := b.queues[u.queue]; ok {
		b.dispatchLocked(q)
	}
	return nil
}

// Nack rejects a delivery
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.Reject(tag, requeue)
}

// Reject rejects a delivery, requeueing or dead-lettering it
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}
	delete(ch.unacked, tag)

	q := b.queues[u.queue]
	if q == nil {
		return nil
	}
	if requeue {
		b.requeueLocked(q, u.msg)
	} else {
		b.deadLetterLocked(q, u.msg)
	}
	b.dispatchLocked(q)
	return nil
}

// Close closes the channel; unacked deliveries are requeued
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

func (ch *Channel) failLocked(code int, reason string) error {
	ch.closeLocked()
	return &amqp.Error{Code: code, Reason: reason}
}

func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	touched := map[string]*queue{}
	for _, c := range ch.consumers {
		if q, ok := b.queues[c.queue]; ok {
			q.removeConsumer(c)
			touched[q.name] = q
		}
		close(c.out)
	}
	ch.consumers = nil

	for tag, u := range ch.unacked {
		if q, ok := b.queues[u.queue]; ok {
			b.requeueLocked(q, u.msg)
			touched[q.name] = q
		}
		delete(ch.unacked, tag)
	}

	for _, q := range touched {
		if q.autoDelete && q.everUsed && len(q.consumers) == 0 {
			b.deleteQueueLocked(q)
			continue
		}
		b.dispatchLocked(q)
	}
}

func (ch *Channel) removeConsumer(c *consumer) {
	kept := ch.consumers[:0]
	for _, x := range ch.consumers {
		if x != c {
			kept = append(kept, x)
		}
	}
	ch.consumers = kept
}

func (q *queue) removeConsumer(c *consumer) {
	kept := q.consumers[:0]
	for _, x := range q.consumers {
		if x != c {
			kept = append(kept, x)
		}
	}
	q.consumers = kept
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
