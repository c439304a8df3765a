// ABOUTME: Display rendering for message history requested with format=html
// ABOUTME: Converts markdown to HTML with goldmark and splits user text into mention segments

package gateway

import (
	"bytes"
	"html"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/routing"
)

// MessageView is a message with its display forms.
type MessageView struct {
	*chat.Message

	// HTML is the message text rendered from markdown. Raw HTML in the
	// source is omitted.
	HTML string `json:"html"`

	// Segments splits user text into plain text and @-mentions.
	Segments []routing.Segment `json:"segments,omitempty"`
}

func (g *Gateway) renderMessages(messages []*chat.Message, agents []chat.Agent) []MessageView {
	views := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		text := m.Text()
		v := MessageView{Message: m, HTML: g.renderMarkdown(text)}
		if m.Type == chat.MessageTypeUser {
			v.Segments = routing.ParseMentions(text, agents)
		}
		views = append(views, v)
	}
	return views
}

func (g *Gateway) renderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(text), &buf); err != nil {
		g.logger.Error("failed to convert markdown", "error", err)
		return "<p>" + html.EscapeString(text) + "</p>"
	}
	return buf.String()
}
