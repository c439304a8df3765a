// ABOUTME: @-mention parsing against agent display names
// ABOUTME: Splits text into plain, mention and invalid-mention segments

package routing

import (
	"regexp"
	"strings"

	"github.com/2389/coven-chat/internal/chat"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// SegmentKind classifies a span of message text.
type SegmentKind string

const (
	SegmentText           SegmentKind = "text"
	SegmentMention        SegmentKind = "mention"
	SegmentInvalidMention SegmentKind = "invalid-mention"
)

// Segment is one span of parsed message text. AgentID is set for mentions.
type Segment struct {
	Kind    SegmentKind `json:"kind"`
	Text    string      `json:"text"`
	AgentID string      `json:"agent_id,omitempty"`
}

// resolveName finds the agent whose display name equals name, ignoring case.
// The first match in list order wins.
func resolveName(name string, agents []chat.Agent) (chat.Agent, bool) {
	for _, a := range agents {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return chat.Agent{}, false
}

// ParseMentions splits text into segments. Tokens naming an unknown agent
// become invalid-mention segments and are otherwise treated as plain text.
func ParseMentions(text string, agents []chat.Agent) []Segment {
	var segs []Segment
	last := 0
	for _, loc := range mentionPattern.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > last {
			segs = append(segs, Segment{Kind: SegmentText, Text: text[last:loc[0]]})
		}
		token := text[loc[0]:loc[1]]
		if a, ok := resolveName(text[loc[2]:loc[3]], agents); ok {
			segs = append(segs, Segment{Kind: SegmentMention, Text: token, AgentID: a.ID})
		} else {
			segs = append(segs, Segment{Kind: SegmentInvalidMention, Text: token})
		}
		last = loc[1]
	}
	if last < len(text) {
		segs = append(segs, Segment{Kind: SegmentText, Text: text[last:]})
	}
	return segs
}

// MentionedAgents returns the IDs of agents mentioned in text, deduplicated,
// in order of first appearance.
func MentionedAgents(text string, agents []chat.Agent) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, seg := range ParseMentions(text, agents) {
		if seg.Kind != SegmentMention || seen[seg.AgentID] {
			continue
		}
		seen[seg.AgentID] = true
		ids = append(ids, seg.AgentID)
	}
	return ids
}
