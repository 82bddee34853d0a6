package broker

import (
	"testing"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRoutingKey(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"Transfer", "Transfer", true},
		{"Transfer", "Transfer.Contest", false},
		{"*.Contest", "ProposalCreated.Contest", true},
		{"*.Contest", "ProposalCreated", false},
		{"*.Contest", "a.b.Contest", false},
		{"#", "ProposalCreated", true},
		{"#", "ThreadUpvoted.Contest", true},
		{"ProposalCreated.#", "ProposalCreated", true},
		{"ProposalCreated.#", "ProposalCreated.Contest", true},
		{"ProposalCreated.#", "ProposalQueued", false},
		{"#.Contest", "Contest", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchRoutingKey(tt.pattern, tt.key))
		})
	}
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		name string
		ev   *events.CanonicalEvent
		want string
	}{
		{
			name: "plain kind",
			ev:   &events.CanonicalEvent{Kind: events.KindTransfer, Payload: &events.Transfer{}},
			want: "Transfer",
		},
		{
			name: "proposal without contest",
			ev:   &events.CanonicalEvent{Kind: events.KindProposalCreated, Payload: &events.ProposalCreated{ProposalID: "1"}},
			want: "ProposalCreated",
		},
		{
			name: "proposal tied to contest",
			ev:   &events.CanonicalEvent{Kind: events.KindProposalCreated, Payload: &events.ProposalCreated{ProposalID: "1", ContestAddress: "0xC"}},
			want: "ProposalCreated.Contest",
		},
		{
			name: "upvote tied to contest",
			ev:   &events.CanonicalEvent{Kind: events.KindThreadUpvoted, Payload: &events.ThreadUpvoted{ContestAddress: "0xC"}},
			want: "ThreadUpvoted.Contest",
		},
		{
			name: "upvote without contest",
			ev:   &events.CanonicalEvent{Kind: events.KindThreadUpvoted, Payload: &events.ThreadUpvoted{}},
			want: "ThreadUpvoted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoutingKey(tt.ev))
		})
	}
}

func TestPossibleRoutingKeys(t *testing.T) {
	keys := PossibleRoutingKeys()
	assert.Len(t, keys, len(events.AllKinds())+2)
	assert.Contains(t, keys, "ProposalCreated.Contest")
	assert.Contains(t, keys, "ThreadUpvoted.Contest")
	assert.NotContains(t, keys, "Unknown")
}

func TestDefaultTopology_Valid(t *testing.T) {
	topo := DefaultTopology()
	require.NoError(t, topo.Validate())

	for svc := range topo.Services {
		sub, err := topo.ForService(svc)
		require.NoError(t, err, svc)
		_, ok := sub.queue(QueueDeadLetter)
		assert.True(t, ok, "%s always asserts the dead letter queue", svc)
	}
}

func TestDefaultTopology_EveryKeyReachesArchive(t *testing.T) {
	topo := DefaultTopology()
	for _, key := range PossibleRoutingKeys() {
		assert.Contains(t, topo.QueuesFor(ExchangeMessageRelayer, key), QueueArchive, key)
	}

	assert.ElementsMatch(t, []string{QueueArchive, QueueBalances}, topo.QueuesFor(ExchangeMessageRelayer, "Transfer"))
	assert.ElementsMatch(t, []string{QueueArchive, QueueNotifications, QueueContestProjection},
		topo.QueuesFor(ExchangeMessageRelayer, "ProposalCreated.Contest"))
}

func TestTopology_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Topology)
	}{
		{"duplicate queue", func(tp *Topology) { tp.Queues = append(tp.Queues, tp.Queues[1]) }},
		{"binding to undeclared exchange", func(tp *Topology) { tp.Bindings[1].Exchange = "Nowhere" }},
		{"binding to undeclared queue", func(tp *Topology) { tp.Bindings[1].Queue = "Nowhere" }},
		{"binding without keys", func(tp *Topology) { tp.Bindings[1].Keys = nil }},
		{"queue without dead letter", func(tp *Topology) { tp.Queues[2].DeadLetterExchange = "" }},
		{"dead letter queue dead-letters itself", func(tp *Topology) { tp.Queues[0].DeadLetterExchange = ExchangeDeadLetter }},
		{"missing dead letter exchange", func(tp *Topology) { tp.DeadLetterExchange = "Nowhere" }},
		{"unroutable key", func(tp *Topology) { tp.Bindings = tp.Bindings[:2] }},
		{"publication to undeclared exchange", func(tp *Topology) { tp.Publications[0].Exchange = "Nowhere" }},
		{"subscription on undeclared queue", func(tp *Topology) { tp.Subscriptions[0].Queue = "Nowhere" }},
		{"zero prefetch", func(tp *Topology) { tp.Subscriptions[0].Prefetch = 0 }},
		{"service with unknown subscription", func(tp *Topology) {
			tp.Services[ServiceArchive] = ServiceScope{Subscriptions: []string{"Nope"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := DefaultTopology()
			tt.mutate(topo)
			assert.ErrorIs(t, topo.Validate(), ErrInvalidTopology)
		})
	}
}

func TestTopology_ForService(t *testing.T) {
	topo := DefaultTopology()

	_, err := topo.ForService("nope")
	assert.ErrorIs(t, err, ErrUnknownService)

	relayer, err := topo.ForService(ServiceRelayer)
	require.NoError(t, err)
	assert.Len(t, relayer.Queues, len(topo.Queues), "publisher asserts every bound queue")
	assert.Empty(t, relayer.Subscriptions)
	_, ok := relayer.Publication(PublicationMessageRelayer)
	assert.True(t, ok)

	balances, err := topo.ForService(ServiceBalances)
	require.NoError(t, err)
	assert.Empty(t, balances.Publications)
	assert.Len(t, balances.Queues, 2)
	assert.Len(t, balances.Bindings, 2)
	_, ok = balances.Subscription(SubscriptionNotifications)
	assert.False(t, ok)
}
