package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTableWriter() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Color.Header = text.Colors{text.FgHiCyan, text.Bold}
	t.Style().Color.Border = text.Colors{text.FgCyan}
	t.Style().Color.Separator = text.Colors{text.FgCyan}
	return t
}

// ParticipantRow is one roster line in the participants table.
type ParticipantRow struct {
	Username string
	MemberID string
	Kind     string
	State    string
	HasMedia bool
}

// ParticipantTableView renders the current roster.
func ParticipantTableView(rows []ParticipantRow) string {
	if len(rows) == 0 {
		return MutedStyle.Render("No one else is here yet")
	}

	t := newTableWriter()
	t.AppendHeader(table.Row{"Participant", "Member ID", "Stream", "State", "Media"})
	for _, r := range rows {
		media := "-"
		if r.HasMedia {
			media = "yes"
		}
		name := r.Username
		if name == "" {
			name = "(unknown)"
		}
		t.AppendRow(table.Row{
			truncateString(name, 20),
			truncateString(r.MemberID, 12),
			r.Kind,
			r.State,
			media,
		})
	}
	return t.Render()
}

// SessionSummary is printed after leaving a room.
type SessionSummary struct {
	RoomName      string
	Duration      string
	PeakPeers     int
	ChatsSent     int
	ChatsReceived int
	FilesReceived int
	BytesReceived int64
}

// SessionSummaryView renders the post-session stats table.
func SessionSummaryView(s SessionSummary) string {
	t := newTableWriter()
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room", s.RoomName},
		{"Duration", s.Duration},
		{"Peak participants", s.PeakPeers},
		{"Chats sent", s.ChatsSent},
		{"Chats received", s.ChatsReceived},
		{"Files received", s.FilesReceived},
		{"Data received", FormatSize(s.BytesReceived)},
	})
	return t.Render()
}

// RenderSessionSummary outputs the summary directly to stdout.
func RenderSessionSummary(s SessionSummary) {
	fmt.Println(SessionSummaryView(s))
}

// RenderRoomInfo prints the joined-room banner with the shareable link.
func RenderRoomInfo(roomName, roomLink string) {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Joined room!\n\n%s Room:  %s\n%s Link:  %s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(roomName),
		IconWeb, MutedStyle.Render(roomLink),
	)

	fmt.Println(boxStyle.Render(content))
}
