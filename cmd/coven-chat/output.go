// ABOUTME: Colorized table output for the agents and sessions subcommands
// ABOUTME: Colors follow connection state so offline agents stand out

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/gateway"
)

func connectionColor(s chat.ConnectionStatus) *color.Color {
	switch s {
	case chat.ConnectionConnected:
		return color.New(color.FgGreen)
	case chat.ConnectionConnecting:
		return color.New(color.FgYellow)
	case chat.ConnectionError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printAgents(w io.Writer, agents []gateway.AgentResponse) {
	if len(agents) == 0 {
		fmt.Fprintln(w, "no agents configured")
		return
	}
	for _, a := range agents {
		state := connectionColor(a.State.Connection).Sprintf("%-12s", a.State.Connection)
		line := fmt.Sprintf("%-12s %-16s %s %s", a.ID, a.Name, state, a.State.Activity)
		if a.State.LastError != "" {
			line += color.RedString("  " + a.State.LastError)
		}
		fmt.Fprintln(w, line)
	}
}

func printSessions(w io.Writer, sessions []gateway.SessionResponse) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	for _, s := range sessions {
		marker := "  "
		if s.Active {
			marker = color.GreenString("* ")
		}
		fmt.Fprintf(w, "%s%s  %-24s %s  [%s]\n",
			marker, s.ID, s.Title,
			color.HiBlackString(s.CreatedAt.Local().Format("2006-01-02 15:04")),
			strings.Join(s.ActiveAgents, ", "))
	}
}
