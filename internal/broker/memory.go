// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

package broker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MemoryBroker is an in-process stand-in for RabbitMQ used by tests. It
// implements topic and direct exchanges, manual acks, requeue on channel
// close and dead-lettering through x-dead-letter-exchange. Prefetch is not
// enforced.
type MemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*memQueue
	bindings  []memBinding
	published []Published
	conns     []*memConn
	failDials int
	dials     int
	nack      bool
	nextTag   uint64
}

// Published is one message a client sent to an exchange.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type memBinding struct {
	queue, key, exchange string
}

type memQueue struct {
	name  string
	args  amqp.Table
	ready []amqp.Delivery
	subs  []*memSub
	next  int
}

type memSub struct {
	ch  *memChannel
	out chan amqp.Delivery
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*memQueue),
	}
}

// WithMemoryBroker makes the client dial m instead of a real server.
func WithMemoryBroker(m *MemoryBroker) Option {
	return withDialer(m.dial)
}

func (m *MemoryBroker) dial(string, time.Duration, string) (amqpConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials++
	if m.failDials != 0 {
		if m.failDials > 0 {
			m.failDials--
		}
		return nil, errors.New("dial tcp: connection refused")
	}
	conn := &memConn{broker: m}
	m.conns = append(m.conns, conn)
	return conn, nil
}

// FailDials makes the next n dials fail. A negative n fails every dial.
func (m *MemoryBroker) FailDials(n int) {
	m.mu.Lock()
	m.failDials = n
	m.mu.Unlock()
}

// Dials returns the number of dial attempts so far.
func (m *MemoryBroker) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// NackPublishes makes confirm-mode publishes come back nacked.
func (m *MemoryBroker) NackPublishes(nack bool) {
	m.mu.Lock()
	m.nack = nack
	m.mu.Unlock()
}

// DropConnections force-closes every open connection, as a broker restart
// would.
func (m *MemoryBroker) DropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	for _, c := range conns {
		c.shutdownLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
	m.mu.Unlock()
}

// Inject routes msg through exchange as if another service published it.
func (m *MemoryBroker) Inject(exchange, routingKey string, msg amqp.Publishing) {
	m.mu.Lock()
	m.routeLocked(exchange, routingKey, deliveryFor(exchange, routingKey, msg))
	m.mu.Unlock()
}

// DeclareQueue creates queue bound to exchange with key, for observing
// traffic in tests.
func (m *MemoryBroker) DeclareQueue(queue, exchange, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[queue]; !ok {
		m.queues[queue] = &memQueue{name: queue}
	}
	m.bindLocked(queue, key, exchange)
}

// QueueLen returns the ready message count of queue.
func (m *MemoryBroker) QueueLen(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return len(q.ready)
	}
	return 0
}

// Messages returns copies of the ready messages in queue.
func (m *MemoryBroker) Messages(queue string) []amqp.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	return append([]amqp.Delivery(nil), q.ready...)
}

// Published returns every message clients sent, in order.
func (m *MemoryBroker) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}

// ExchangeKind returns the declared kind of exchange, or "".
func (m *MemoryBroker) ExchangeKind(exchange string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchanges[exchange]
}

// QueueArgs returns the arguments queue was declared with.
func (m *MemoryBroker) QueueArgs(queue string) (amqp.Table, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// BindingKeys returns the keys binding queue to exchange.
func (m *MemoryBroker) BindingKeys(queue, exchange string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for _, b := range m.bindings {
		if b.queue == queue && b.exchange == exchange {
			keys = append(keys, b.key)
		}
	}
	return keys
}

func (m *MemoryBroker) bindLocked(queue, key, exchange string) {
	for _, b := range m.bindings {
		if b.queue == queue && b.key == key && b.exchange == exchange {
			return
		}
	}
	m.bindings = append(m.bindings, memBinding{queue: queue, key: key, exchange: exchange})
}

func (m *MemoryBroker) routeLocked(exchange, key string, d amqp.Delivery) {
	kind := m.exchanges[exchange]
	seen := make(map[string]bool)
	for _, b := range m.bindings {
		if b.exchange != exchange || seen[b.queue] {
			continue
		}
		var match bool
		switch kind {
		case amqp.ExchangeDirect:
			match = b.key == key
		case amqp.ExchangeTopic:
			match = topicMatch(b.key, key)
		}
		if !match {
			continue
		}
		if q, ok := m.queues[b.queue]; ok {
			seen[b.queue] = true
			q.ready = append(q.ready, d)
			m.dispatchLocked(q)
		}
	}
}

func (m *MemoryBroker) dispatchLocked(q *memQueue) {
	for len(q.ready) > 0 && len(q.subs) > 0 {
		sub := q.subs[q.next%len(q.subs)]
		q.next++
		d := q.ready[0]
		q.ready = q.ready[1:]
		m.nextTag++
		d.DeliveryTag = m.nextTag
		d.Acknowledger = sub.ch
		d.ConsumerTag = "mem"
		sub.ch.unacked[d.DeliveryTag] = memUnacked{queue: q.name, d: d}
		sub.out <- d
	}
}

func (m *MemoryBroker) deadLetterLocked(q *memQueue, d amqp.Delivery) {
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	key := d.RoutingKey
	if dlrk, ok := q.args["x-dead-letter-routing-key"].(string); ok && dlrk != "" {
		key = dlrk
	}
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-death"] = []interface{}{amqp.Table{
		"queue":        q.name,
		"reason":       "rejected",
		"exchange":     d.Exchange,
		"routing-keys": []interface{}{d.RoutingKey},
		"count":        int64(1),
	}}
	headers["x-first-death-queue"] = q.name
	headers["x-first-death-reason"] = "rejected"
	headers["x-first-death-exchange"] = d.Exchange

	dead := d
	dead.Headers = headers
	dead.Exchange = dlx
	dead.RoutingKey = key
	dead.Redelivered = false
	dead.Acknowledger = nil
	dead.DeliveryTag = 0
	m.routeLocked(dlx, key, dead)
}

func deliveryFor(exchange, key string, msg amqp.Publishing) amqp.Delivery {
	return amqp.Delivery{
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type,
		AppId:         msg.AppId,
		Exchange:      exchange,
		RoutingKey:    key,
		Body:          msg.Body,
	}
}

// topicMatch reports whether key matches an AMQP topic pattern.
func topicMatch(pattern, key string) bool {
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
	}
	return len(k) > 0 && p[0] == k[0] && matchWords(p[1:], k[1:])
}

type memConn struct {
	broker   *MemoryBroker
	closed   bool
	channels []*memChannel
	notify   []chan *amqp.Error
}

func (c *memConn) Channel() (amqpChannel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &memChannel{broker: c.broker, conn: c, unacked: make(map[uint64]memUnacked)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *memConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *memConn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

func (c *memConn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *memConn) shutdownLocked(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked(err)
	}
	notifyClosed(c.notify, err)
	c.notify = nil
}

func notifyClosed(receivers []chan *amqp.Error, err *amqp.Error) {
	for _, r := range receivers {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
}

type memUnacked struct {
	queue string
	d     amqp.Delivery
}

type memChannel struct {
	broker  *MemoryBroker
	conn    *memConn
	closed  bool
	confirm bool
	notify  []chan *amqp.Error
	unacked map[uint64]memUnacked
}

func (ch *memChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.broker.exchanges[name] = kind
	return nil
}

func (ch *memChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[name]
	if !ok {
		q = &memQueue{name: name}
		ch.broker.queues[name] = q
	}
	q.args = args
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.subs)}, nil
}

func (ch *memChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[name]
	if !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'", Server: true}
		ch.closeLocked(err)
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.subs)}, nil
}

func (ch *memChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.broker.bindLocked(name, key, exchange)
	return nil
}

func (ch *memChannel) Qos(int, int, bool) error {
	return nil
}

func (ch *memChannel) Confirm(bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.confirm = true
	return nil
}

func (ch *memChannel) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	ch.broker.published = append(ch.broker.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	if ch.confirm && ch.broker.nack {
		return memConfirmation(false), nil
	}
	ch.broker.routeLocked(exchange, key, deliveryFor(exchange, key, msg))
	if !ch.confirm {
		return nil, nil
	}
	return memConfirmation(true), nil
}

func (ch *memChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[queue]
	if !ok {
		err := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'", Server: true}
		ch.closeLocked(err)
		return nil, err
	}
	sub := &memSub{ch: ch, out: make(chan amqp.Delivery, 1024)}
	q.subs = append(q.subs, sub)
	ch.broker.dispatchLocked(q)
	return sub.out, nil
}

func (ch *memChannel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[queue]
	if !ok || len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := q.ready[0]
	q.ready = q.ready[1:]
	ch.broker.nextTag++
	d.DeliveryTag = ch.broker.nextTag
	d.Acknowledger = ch
	ch.unacked[d.DeliveryTag] = memUnacked{queue: queue, d: d}
	return d, true, nil
}

func (ch *memChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *memChannel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// closeLocked ends consumers and requeues everything unacked, in delivery
// order, at the head of its queue.
func (ch *memChannel) closeLocked(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	m := ch.broker

	for _, q := range m.queues {
		kept := q.subs[:0]
		for _, s := range q.subs {
			if s.ch == ch {
				close(s.out)
				continue
			}
			kept = append(kept, s)
		}
		q.subs = kept
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	requeued := make(map[string][]amqp.Delivery)
	for _, tag := range tags {
		u := ch.unacked[tag]
		d := u.d
		d.Redelivered = true
		d.Acknowledger = nil
		requeued[u.queue] = append(requeued[u.queue], d)
	}
	ch.unacked = make(map[uint64]memUnacked)
	for name, ds := range requeued {
		if q, ok := m.queues[name]; ok {
			q.ready = append(ds, q.ready...)
			m.dispatchLocked(q)
		}
	}

	notifyClosed(ch.notify, err)
	ch.notify = nil
}

// Ack implements amqp.Acknowledger.
func (ch *memChannel) Ack(tag uint64, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	delete(ch.unacked, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *memChannel) Nack(tag uint64, _ bool, requeue bool) error {
	return ch.Reject(tag, requeue)
}

// Reject implements amqp.Acknowledger.
func (ch *memChannel) Reject(tag uint64, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return nil
	}
	delete(ch.unacked, tag)
	q, ok := ch.broker.queues[u.queue]
	if !ok {
		return nil
	}
	d := u.d
	d.Acknowledger = nil
	if requeue {
		d.Redelivered = true
		q.ready = append([]amqp.Delivery{d}, q.ready...)
		ch.broker.dispatchLocked(q)
		return nil
	}
	ch.broker.deadLetterLocked(q, d)
	return nil
}

type memConfirmation bool

func (c memConfirmation) WaitContext(context.Context) (bool, error) {
	return bool(c), nil
}
