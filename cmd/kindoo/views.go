package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"kindoo/internal/kindoo"
	"kindoo/internal/timeline"
)

const sidebarWidth = 28

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("135"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	badgeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)

	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("99"))
	sidebarStyle  = lipgloss.NewStyle().Width(sidebarWidth).BorderStyle(lipgloss.NormalBorder()).BorderRight(true)

	ownStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("135")).Bold(true)
	peerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("36")).Bold(true)
	sepStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

func (m model) View() string {
	if m.view == viewAuth {
		return m.authView()
	}
	return m.chatView()
}

func (m model) authView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("kindoo") + "\n\n")
	if m.registering {
		b.WriteString("Create an account (ctrl+r to sign in instead)\n\n")
	} else {
		b.WriteString("Sign in (ctrl+r to create an account)\n\n")
	}
	b.WriteString("  " + m.username.View() + "\n")
	b.WriteString("  " + m.password.View() + "\n\n")
	if m.busy {
		b.WriteString("  " + m.spin.View() + " signing in...\n")
	}
	if m.authErr != "" {
		b.WriteString("  " + errStyle.Render(m.authErr) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("tab: switch field - enter: submit - ctrl+c: quit"))
	return b.String()
}

func (m model) chatView() string {
	sidebar := m.sidebarView()
	main := m.mainView()
	page := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, main)

	help := "tab: focus - /: search - n: new chat - enter: open/send - ctrl+l: logout - ctrl+c: quit"
	footer := dimStyle.Render(help)
	if m.status != "" {
		footer = errStyle.Render(m.status) + "  " + footer
	}
	return page + "\n" + footer
}

func (m model) sidebarView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("kindoo") + "  " + dimStyle.Render(m.self.DisplayName) + "\n")
	if m.focus == focusFilter || m.filter.Value() != "" {
		b.WriteString(m.filter.View() + "\n")
	}
	b.WriteString("\n")

	if m.focus == focusSearch {
		b.WriteString(titleStyle.Render("new chat") + "\n")
		b.WriteString(m.search.View() + "\n")
		for i, u := range m.searchResults {
			line := u.DisplayName
			if i == m.searchSel {
				line = selectedStyle.Render("> " + line)
			} else {
				line = "  " + line
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if len(m.convs) == 0 {
		b.WriteString(dimStyle.Render("no chats found") + "\n")
	}
	for i, conv := range m.convs {
		name := conv.Counterpart(m.self.ID).DisplayName
		line := name
		if m.dir != nil && m.dir.HasUnseen(conv.ID) {
			line = name + " " + badgeStyle.Render("* new")
		}
		if i == m.selected {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	return sidebarStyle.Height(max(5, m.height-2)).Render(b.String())
}

func (m model) mainView() string {
	if m.rec == nil {
		welcome := "\n\n  Select a chat on the left,\n  or press / to search.\n"
		return lipgloss.NewStyle().Padding(1, 2).Render(titleStyle.Render("Welcome") + welcome)
	}
	header := peerStyle.Render(m.rec.Conversation().Counterpart(m.self.ID).DisplayName)
	return header + "\n" + m.vp.View() + "\n" + m.input.View()
}

// renderTimeline formats the reconciled timeline: date separators wherever
// the local calendar date changes, then one line per message, plus the
// typing indicator while the hold-back is active.
func renderTimeline(rec *timeline.Reconciler, self kindoo.Principal, width int) string {
	var b strings.Builder

	switch rec.State() {
	case timeline.StateLoading:
		return dimStyle.Render("loading history...")
	case timeline.StateFailed:
		return errStyle.Render("could not load messages")
	}

	for _, group := range rec.DateGroups(time.Local) {
		sep := fmt.Sprintf("--- %s ---", group.Date.Format("Mon, 02 Jan 2006"))
		b.WriteString(sepStyle.Render(centerLine(sep, width)) + "\n")
		for _, msg := range group.Messages {
			b.WriteString(renderMessage(msg, self) + "\n")
		}
	}
	if rec.Typing() {
		b.WriteString(dimStyle.Render("typing...") + "\n")
	}
	return b.String()
}

func renderMessage(msg kindoo.Message, self kindoo.Principal) string {
	stamp := dimStyle.Render(msg.CreatedAt.Local().Format("15:04"))
	author := peerStyle.Render("them")
	if msg.AuthorID == self.ID {
		author = ownStyle.Render("you")
	}
	line := fmt.Sprintf("%s %s  %s", stamp, author, msg.Content)
	if msg.Provenance == kindoo.Optimistic {
		line += dimStyle.Render("  (sending)")
	}
	return line
}

func centerLine(s string, width int) string {
	pad := (width - len(s)) / 2
	if pad <= 0 {
		return s
	}
	return strings.Repeat(" ", pad) + s
}
