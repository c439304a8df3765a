// ABOUTME: Target selection for an outbound user message
// ABOUTME: Explicit selection wins over @-mentions, which win over broadcast

package routing

import (
	"errors"
	"strings"

	"github.com/2389/coven-chat/internal/chat"
)

var (
	// ErrEmptyMessage indicates the message is blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNoTargets indicates the rules produced no target, e.g. a broadcast
	// in a session with no active agents.
	ErrNoTargets = errors.New("no agents to route to")
)

// Decide computes the target set for text.
//
//  1. A non-empty selection is used as-is; mentions are not consulted.
//  2. Otherwise agents mentioned by display name are targeted.
//  3. Otherwise every active agent is targeted.
func Decide(text string, selected []string, active []chat.Agent) (chat.RoutingDecision, error) {
	if strings.TrimSpace(text) == "" {
		return chat.RoutingDecision{}, ErrEmptyMessage
	}

	var targets []string
	var reason chat.RoutingReason

	if sel := dedupeIDs(selected); len(sel) > 0 {
		targets, reason = sel, chat.RoutedBySelection
	} else if mentioned := MentionedAgents(text, active); len(mentioned) > 0 {
		targets, reason = mentioned, chat.RoutedByMention
	} else {
		for _, a := range active {
			targets = append(targets, a.ID)
		}
		targets, reason = dedupeIDs(targets), chat.RoutedByBroadcast
	}

	if len(targets) == 0 {
		return chat.RoutingDecision{}, ErrNoTargets
	}
	return chat.RoutingDecision{
		TargetAgents: targets,
		PrimaryAgent: targets[0],
		Reason:       reason,
	}, nil
}

func dedupeIDs(ids []string) []string {
	var out []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
