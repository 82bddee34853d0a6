package broker

import "github.com/0xmhha/chainrelay/pkg/events"

// ContestTag is the routing key suffix for content tied to a contest
const ContestTag = "Contest"

// RoutingKey returns the routing key an event is published with: its kind,
// or "{kind}.Contest" for proposals and thread upvotes tied to a contest.
func RoutingKey(ev *events.CanonicalEvent) string {
	if ev == nil {
		return string(events.KindUnknown)
	}

	var contest string
	switch p := ev.Payload.(type) {
	case *events.ProposalCreated:
		contest = p.ContestAddress
	case *events.ThreadUpvoted:
		contest = p.ContestAddress
	}

	if contest != "" {
		return string(ev.Kind) + "." + ContestTag
	}
	return string(ev.Kind)
}

// PossibleRoutingKeys lists every routing key RoutingKey can produce for a
// valid event.
func PossibleRoutingKeys() []string {
	var keys []string
	for _, kind := range events.AllKinds() {
		keys = append(keys, string(kind))
		if kind == events.KindProposalCreated || kind == events.KindThreadUpvoted {
			keys = append(keys, string(kind)+"."+ContestTag)
		}
	}
	return keys
}
