package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange, queue, publication and subscription names of the default topology.
const (
	ExchangeMessageRelayer = "MessageRelayerExchange"
	ExchangeDeadLetter     = "DeadLetterExchange"

	QueueDeadLetter        = "DeadLetterQueue"
	QueueNotifications     = "NotificationsQueue"
	QueueArchive           = "ArchiveQueue"
	QueueContestProjection = "ContestProjectionQueue"
	QueueBalances          = "BalancesQueue"

	PublicationMessageRelayer = "MessageRelayer"

	SubscriptionNotifications     = "Notifications"
	SubscriptionArchive           = "Archive"
	SubscriptionContestProjection = "ContestProjection"
	SubscriptionBalances          = "Balances"
	SubscriptionDeadLetter        = "DeadLetter"

	// DeadLetterRoutingKey is the routing key dead-lettered messages carry
	DeadLetterRoutingKey = "DeadLetter"

	// ContentTypeJSON is the content type of every relayed message
	ContentTypeJSON = "application/json"

	DefaultPrefetch   = 10
	DefaultRetryDelay = 2 * time.Second
)

// Service selects the part of the topology one process asserts.
type Service string

const (
	ServiceRelayer           Service = "relayer"
	ServiceNotifications     Service = "notifications"
	ServiceArchive           Service = "archive"
	ServiceContestProjection Service = "contest-projection"
	ServiceBalances          Service = "balances"
	ServiceDeadLetter        Service = "dead-letter"
)

// Exchange is a durable topic exchange.
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// Queue is a durable queue. Every queue except the dead letter queue routes
// rejected messages to the dead letter exchange.
type Queue struct {
	Name                 string
	Durable              bool
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// Args returns the queue declaration arguments.
func (q Queue) Args() amqp.Table {
	if q.DeadLetterExchange == "" {
		return nil
	}
	args := amqp.Table{"x-dead-letter-exchange": q.DeadLetterExchange}
	if q.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
	}
	return args
}

// Binding binds a queue to an exchange under one or more binding patterns.
type Binding struct {
	Exchange string
	Queue    string
	Keys     []string
}

// Publication is a named publishing endpoint.
type Publication struct {
	Name       string
	Exchange   string
	Confirm    bool
	Persistent bool
}

// Subscription is a named consuming endpoint.
type Subscription struct {
	Name        string
	Queue       string
	ContentType string
	Prefetch    int
	RetryDelay  time.Duration
}

// ServiceScope names the publications and subscriptions a service owns.
type ServiceScope struct {
	Publications  []string
	Subscriptions []string
}

// Topology is the static exchange, queue and binding graph shared by every
// service on one broker.
type Topology struct {
	Exchanges     []Exchange
	Queues        []Queue
	Bindings      []Binding
	Publications  []Publication
	Subscriptions []Subscription
	Services      map[Service]ServiceScope

	DeadLetterExchange string
	DeadLetterQueue    string
}

// DefaultTopology returns the relay topology: one topic exchange fanning
// canonical events out to the downstream queues, and a shared dead letter
// exchange and queue.
func DefaultTopology() *Topology {
	queue := func(name string) Queue {
		return Queue{
			Name:                 name,
			Durable:              true,
			DeadLetterExchange:   ExchangeDeadLetter,
			DeadLetterRoutingKey: DeadLetterRoutingKey,
		}
	}
	subscription := func(name, queue string) Subscription {
		return Subscription{
			Name:        name,
			Queue:       queue,
			ContentType: ContentTypeJSON,
			Prefetch:    DefaultPrefetch,
			RetryDelay:  DefaultRetryDelay,
		}
	}

	return &Topology{
		Exchanges: []Exchange{
			{Name: ExchangeMessageRelayer, Kind: amqp.ExchangeTopic, Durable: true},
			{Name: ExchangeDeadLetter, Kind: amqp.ExchangeTopic, Durable: true},
		},
		Queues: []Queue{
			{Name: QueueDeadLetter, Durable: true},
			queue(QueueNotifications),
			queue(QueueArchive),
			queue(QueueContestProjection),
			queue(QueueBalances),
		},
		Bindings: []Binding{
			{Exchange: ExchangeDeadLetter, Queue: QueueDeadLetter, Keys: []string{"#"}},
			{Exchange: ExchangeMessageRelayer, Queue: QueueNotifications, Keys: []string{
				"ProposalCreated.#",
				"ProposalQueued",
				"ProposalExecuted",
				"ProposalCanceled",
				"VoteEmitted",
				"ThreadUpvoted.#",
			}},
			{Exchange: ExchangeMessageRelayer, Queue: QueueArchive, Keys: []string{"#"}},
			{Exchange: ExchangeMessageRelayer, Queue: QueueContestProjection, Keys: []string{"*." + ContestTag}},
			{Exchange: ExchangeMessageRelayer, Queue: QueueBalances, Keys: []string{"Transfer", "CommunityStakeTrade"}},
		},
		Publications: []Publication{
			{Name: PublicationMessageRelayer, Exchange: ExchangeMessageRelayer, Confirm: true, Persistent: true},
		},
		Subscriptions: []Subscription{
			subscription(SubscriptionNotifications, QueueNotifications),
			subscription(SubscriptionArchive, QueueArchive),
			subscription(SubscriptionContestProjection, QueueContestProjection),
			subscription(SubscriptionBalances, QueueBalances),
			subscription(SubscriptionDeadLetter, QueueDeadLetter),
		},
		Services: map[Service]ServiceScope{
			ServiceRelayer:           {Publications: []string{PublicationMessageRelayer}},
			ServiceNotifications:     {Subscriptions: []string{SubscriptionNotifications}},
			ServiceArchive:           {Subscriptions: []string{SubscriptionArchive}},
			ServiceContestProjection: {Subscriptions: []string{SubscriptionContestProjection}},
			ServiceBalances:          {Subscriptions: []string{SubscriptionBalances}},
			ServiceDeadLetter:        {Subscriptions: []string{SubscriptionDeadLetter}},
		},
		DeadLetterExchange: ExchangeDeadLetter,
		DeadLetterQueue:    QueueDeadLetter,
	}
}

func (t *Topology) exchange(name string) (Exchange, bool) {
	for _, e := range t.Exchanges {
		if e.Name == name {
			return e, true
		}
	}
	return Exchange{}, false
}

func (t *Topology) queue(name string) (Queue, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return Queue{}, false
}

// Publication returns the named publication.
func (t *Topology) Publication(name string) (Publication, bool) {
	for _, p := range t.Publications {
		if p.Name == name {
			return p, true
		}
	}
	return Publication{}, false
}

// Subscription returns the named subscription.
func (t *Topology) Subscription(name string) (Subscription, bool) {
	for _, s := range t.Subscriptions {
		if s.Name == name {
			return s, true
		}
	}
	return Subscription{}, false
}

// Validate checks the structural invariants: names are unique, bindings and
// endpoints refer to declared exchanges and queues, every routing key a
// publication can emit is bound on its exchange, and every queue except the
// dead letter queue dead-letters to the shared pair.
func (t *Topology) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil topology", ErrInvalidTopology)
	}

	seen := make(map[string]bool)
	for _, e := range t.Exchanges {
		if e.Name == "" || seen["x/"+e.Name] {
			return fmt.Errorf("%w: exchange %q is empty or duplicated", ErrInvalidTopology, e.Name)
		}
		seen["x/"+e.Name] = true
	}
	for _, q := range t.Queues {
		if q.Name == "" || seen["q/"+q.Name] {
			return fmt.Errorf("%w: queue %q is empty or duplicated", ErrInvalidTopology, q.Name)
		}
		seen["q/"+q.Name] = true
	}

	if err := t.validateDeadLetter(); err != nil {
		return err
	}

	for _, b := range t.Bindings {
		if _, ok := t.exchange(b.Exchange); !ok {
			return fmt.Errorf("%w: binding to %s uses undeclared exchange %q", ErrInvalidTopology, b.Queue, b.Exchange)
		}
		if _, ok := t.queue(b.Queue); !ok {
			return fmt.Errorf("%w: binding from %s uses undeclared queue %q", ErrInvalidTopology, b.Exchange, b.Queue)
		}
		if len(b.Keys) == 0 {
			return fmt.Errorf("%w: binding %s -> %s has no keys", ErrInvalidTopology, b.Exchange, b.Queue)
		}
	}

	for _, p := range t.Publications {
		if _, ok := t.exchange(p.Exchange); !ok {
			return fmt.Errorf("%w: publication %s uses undeclared exchange %q", ErrInvalidTopology, p.Name, p.Exchange)
		}
		for _, key := range PossibleRoutingKeys() {
			if !t.routable(p.Exchange, key) {
				return fmt.Errorf("%w: publication %s routing key %q matches no binding on %s",
					ErrInvalidTopology, p.Name, key, p.Exchange)
			}
		}
	}

	for _, s := range t.Subscriptions {
		if _, ok := t.queue(s.Queue); !ok {
			return fmt.Errorf("%w: subscription %s uses undeclared queue %q", ErrInvalidTopology, s.Name, s.Queue)
		}
		if s.Prefetch <= 0 {
			return fmt.Errorf("%w: subscription %s prefetch must be positive", ErrInvalidTopology, s.Name)
		}
	}

	for svc, scope := range t.Services {
		for _, name := range scope.Publications {
			if _, ok := t.Publication(name); !ok {
				return fmt.Errorf("%w: service %s names unknown publication %q", ErrInvalidTopology, svc, name)
			}
		}
		for _, name := range scope.Subscriptions {
			if _, ok := t.Subscription(name); !ok {
				return fmt.Errorf("%w: service %s names unknown subscription %q", ErrInvalidTopology, svc, name)
			}
		}
	}
	return nil
}

func (t *Topology) validateDeadLetter() error {
	if _, ok := t.exchange(t.DeadLetterExchange); !ok {
		return fmt.Errorf("%w: dead letter exchange %q is not declared", ErrInvalidTopology, t.DeadLetterExchange)
	}
	dlq, ok := t.queue(t.DeadLetterQueue)
	if !ok {
		return fmt.Errorf("%w: dead letter queue %q is not declared", ErrInvalidTopology, t.DeadLetterQueue)
	}
	if dlq.DeadLetterExchange != "" {
		return fmt.Errorf("%w: dead letter queue must not dead-letter itself", ErrInvalidTopology)
	}

	for _, q := range t.Queues {
		if q.Name == t.DeadLetterQueue {
			continue
		}
		if q.DeadLetterExchange != t.DeadLetterExchange || q.DeadLetterRoutingKey == "" {
			return fmt.Errorf("%w: queue %s must dead-letter to %s", ErrInvalidTopology, q.Name, t.DeadLetterExchange)
		}
		if !t.bound(t.DeadLetterExchange, t.DeadLetterQueue, q.DeadLetterRoutingKey) {
			return fmt.Errorf("%w: dead letters of %s do not reach %s", ErrInvalidTopology, q.Name, t.DeadLetterQueue)
		}
	}
	return nil
}

func (t *Topology) bound(exchange, queue, key string) bool {
	for _, b := range t.Bindings {
		if b.Exchange != exchange || b.Queue != queue {
			continue
		}
		for _, pattern := range b.Keys {
			if MatchRoutingKey(pattern, key) {
				return true
			}
		}
	}
	return false
}

func (t *Topology) routable(exchange, key string) bool {
	for _, b := range t.Bindings {
		if b.Exchange != exchange {
			continue
		}
		for _, pattern := range b.Keys {
			if MatchRoutingKey(pattern, key) {
				return true
			}
		}
	}
	return false
}

// QueuesFor returns the queues a routing key published to exchange reaches.
func (t *Topology) QueuesFor(exchange, key string) []string {
	var out []string
	for _, q := range t.Queues {
		if t.bound(exchange, q.Name, key) {
			out = append(out, q.Name)
		}
	}
	return out
}

// ForService returns the subset of the topology a service asserts: its
// publications and their exchanges, its subscriptions with their queues and
// bindings, and always the dead letter pair. A publishing service also
// asserts every queue bound to its exchanges, so nothing it publishes is
// lost before the consumers start.
func (t *Topology) ForService(svc Service) (*Topology, error) {
	scope, ok := t.Services[svc]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, svc)
	}

	sub := &Topology{
		Services:           map[Service]ServiceScope{svc: scope},
		DeadLetterExchange: t.DeadLetterExchange,
		DeadLetterQueue:    t.DeadLetterQueue,
	}

	exchanges := map[string]bool{t.DeadLetterExchange: true}
	queues := map[string]bool{t.DeadLetterQueue: true}

	for _, name := range scope.Publications {
		p, _ := t.Publication(name)
		sub.Publications = append(sub.Publications, p)
		exchanges[p.Exchange] = true
		for _, b := range t.Bindings {
			if b.Exchange == p.Exchange {
				queues[b.Queue] = true
			}
		}
	}
	for _, name := range scope.Subscriptions {
		s, _ := t.Subscription(name)
		sub.Subscriptions = append(sub.Subscriptions, s)
		queues[s.Queue] = true
	}

	for _, b := range t.Bindings {
		if queues[b.Queue] {
			exchanges[b.Exchange] = true
			sub.Bindings = append(sub.Bindings, b)
		}
	}
	for _, e := range t.Exchanges {
		if exchanges[e.Name] {
			sub.Exchanges = append(sub.Exchanges, e)
		}
	}
	for _, q := range t.Queues {
		if queues[q.Name] {
			sub.Queues = append(sub.Queues, q)
		}
	}

	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}
