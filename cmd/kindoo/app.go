package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"kindoo/internal/api"
	"kindoo/internal/directory"
	"kindoo/internal/kindoo"
	"kindoo/internal/realtime"
	"kindoo/internal/session"
	"kindoo/internal/storage"
	"kindoo/internal/timeline"
)

type view int

const (
	viewAuth view = iota
	viewChat
)

type focusArea int

const (
	focusSidebar focusArea = iota
	focusInput
	focusFilter
	focusSearch
)

const (
	directoryPollInterval = 2 * time.Second
	verifyInterval        = 30 * time.Second
	refreshEvery          = 200 * time.Millisecond
)

type (
	tickMsg time.Time

	authDoneMsg struct{ err error }

	connectedMsg struct {
		self    kindoo.Principal
		channel *realtime.Channel
		dir     *directory.Directory
		stop    context.CancelFunc
	}
	connectFailedMsg struct{ err error }

	openedMsg struct{ err error }

	sentMsg struct{ err error }

	searchDoneMsg struct {
		users []kindoo.Principal
		err   error
	}

	startDoneMsg struct {
		conv kindoo.Conversation
		err  error
	}
)

type model struct {
	ctx       context.Context
	serverURL string
	log       *zap.Logger

	client   *api.Client
	vault    *storage.Store
	sessions *session.Store

	view view

	// auth page
	username    textinput.Model
	password    textinput.Model
	registering bool
	onPassword  bool
	busy        bool
	spin        spinner.Model
	authErr     string

	// chat page
	self      kindoo.Principal
	channel   *realtime.Channel
	dir       *directory.Directory
	rec       *timeline.Reconciler
	engineCtx context.Context
	stop      context.CancelFunc

	convs    []kindoo.Conversation
	selected int
	focus    focusArea
	filter   textinput.Model
	input    textinput.Model
	vp       viewport.Model
	status   string

	// new-chat search
	search        textinput.Model
	searchResults []kindoo.Principal
	searchSel     int

	width, height int
}

func newModel(ctx context.Context, serverURL string, client *api.Client, vault *storage.Store, sessions *session.Store, log *zap.Logger) model {
	username := textinput.New()
	username.Placeholder = "username"
	username.Focus()
	username.CharLimit = 50

	password := textinput.New()
	password.Placeholder = "password"
	password.EchoMode = textinput.EchoPassword
	password.CharLimit = 100

	filter := textinput.New()
	filter.Placeholder = "search chats"
	filter.CharLimit = 50

	input := textinput.New()
	input.Placeholder = "type a message"
	input.CharLimit = 2000

	search := textinput.New()
	search.Placeholder = "find a user"
	search.CharLimit = 50

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		ctx:       ctx,
		serverURL: serverURL,
		log:       log,
		client:    client,
		vault:     vault,
		sessions:  sessions,
		view:      viewAuth,
		username:  username,
		password:  password,
		filter:    filter,
		input:     input,
		search:    search,
		spin:      sp,
		vp:        viewport.New(0, 0),
	}
}

func (m model) Init() tea.Cmd {
	// Restore first: a persisted credential gets us straight to connecting,
	// with verification deciding whether it sticks.
	m.sessions.Restore()
	if _, ok := m.sessions.Principal(); ok {
		return tea.Batch(m.spin.Tick, m.connectCmd())
	}
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vp.Width = max(20, m.width-sidebarWidth-4)
		m.vp.Height = max(5, m.height-6)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.teardown()
			return m, tea.Quit
		}
		if m.view == viewAuth {
			return m.updateAuth(msg)
		}
		return m.updateChat(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		if m.busy {
			return m, cmd
		}
		return m, nil

	case authDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.authErr = authErrorText(msg.err)
			return m, nil
		}
		return m, m.connectCmd()

	case connectedMsg:
		m.self = msg.self
		m.channel = msg.channel
		m.dir = msg.dir
		m.stop = msg.stop
		m.view = viewChat
		m.focus = focusSidebar
		m.authErr = ""
		m.password.Reset()
		return m, m.tickCmd()

	case connectFailedMsg:
		m.busy = false
		m.view = viewAuth
		m.authErr = authErrorText(msg.err)
		return m, nil

	case openedMsg:
		if msg.err != nil {
			m.status = "history load failed (retry with r)"
		}
		return m, nil

	case sentMsg:
		if msg.err != nil {
			m.status = "send failed, message still pending"
		}
		return m, nil

	case searchDoneMsg:
		if msg.err != nil {
			m.status = "user search failed"
			return m, nil
		}
		results := msg.users[:0]
		for _, u := range msg.users {
			if u.ID != m.self.ID {
				results = append(results, u)
			}
		}
		m.searchResults = results
		m.searchSel = 0
		if len(results) == 0 {
			m.status = "no users found"
		} else {
			m.status = ""
		}
		return m, nil

	case startDoneMsg:
		if msg.err != nil {
			m.status = "could not start the chat"
			return m, nil
		}
		m.search.Reset()
		m.search.Blur()
		m.searchResults = nil
		return m.openConversation(msg.conv)

	case tickMsg:
		return m.refresh()
	}

	return m, nil
}

// refresh snapshots engine state into the view model. The engine is driven
// by its own goroutines; the TUI only ever reads copies.
func (m model) refresh() (tea.Model, tea.Cmd) {
	if m.view != viewChat || m.dir == nil {
		return m, nil
	}
	// A forced logout (failed re-verification) lands back on the auth page.
	if m.sessions.State() == session.Anonymous {
		m.teardown()
		m.view = viewAuth
		m.authErr = "session expired, sign in again"
		m.username.Focus()
		return m, textinput.Blink
	}

	m.convs = m.dir.Filter(m.filter.Value())
	if m.selected >= len(m.convs) {
		m.selected = max(0, len(m.convs)-1)
	}
	if m.rec != nil {
		m.vp.SetContent(renderTimeline(m.rec, m.self, m.vp.Width))
		m.vp.GotoBottom()
	}
	return m, m.tickCmd()
}

func (m *model) teardown() {
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	if m.rec != nil {
		m.rec.Dispose()
		m.rec = nil
	}
	if m.channel != nil {
		m.channel.Close()
		m.channel = nil
	}
	m.dir = nil
	m.convs = nil
	m.searchResults = nil
}

func (m model) updateAuth(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab":
		m.onPassword = !m.onPassword
		if m.onPassword {
			m.username.Blur()
			return m, m.password.Focus()
		}
		m.password.Blur()
		return m, m.username.Focus()

	case "ctrl+r":
		m.registering = !m.registering
		m.authErr = ""
		return m, nil

	case "enter":
		username := strings.TrimSpace(m.username.Value())
		secret := m.password.Value()
		if username == "" || secret == "" {
			m.authErr = "username and password are required"
			return m, nil
		}
		m.busy = true
		m.authErr = ""
		registering := m.registering
		return m, tea.Batch(m.spin.Tick, func() tea.Msg {
			var err error
			if registering {
				err = m.sessions.Register(m.ctx, username, secret)
			} else {
				err = m.sessions.Login(m.ctx, username, secret)
			}
			return authDoneMsg{err: err}
		})
	}

	var cmd tea.Cmd
	if m.onPassword {
		m.password, cmd = m.password.Update(msg)
	} else {
		m.username, cmd = m.username.Update(msg)
	}
	return m, cmd
}

func (m model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "tab":
		if m.focus == focusSidebar {
			m.focus = focusInput
			m.filter.Blur()
			return m, m.input.Focus()
		}
		m.focus = focusSidebar
		m.input.Blur()
		m.filter.Blur()
		return m, nil

	case "/":
		if m.focus == focusSidebar {
			m.focus = focusFilter
			return m, m.filter.Focus()
		}

	case "n":
		if m.focus == focusSidebar {
			m.focus = focusSearch
			m.search.Reset()
			m.searchResults = nil
			m.searchSel = 0
			m.status = ""
			return m, m.search.Focus()
		}

	case "esc":
		switch m.focus {
		case focusFilter:
			m.filter.Reset()
			m.focus = focusSidebar
			m.filter.Blur()
			return m, nil
		case focusSearch:
			m.search.Reset()
			m.search.Blur()
			m.searchResults = nil
			m.focus = focusSidebar
			return m, nil
		}

	case "ctrl+l":
		m.teardown()
		m.sessions.Logout()
		m.client.SetCredential("")
		m.view = viewAuth
		m.username.Focus()
		return m, textinput.Blink

	case "up":
		if m.focus == focusSidebar && m.selected > 0 {
			m.selected--
		}
		if m.focus == focusSearch && m.searchSel > 0 {
			m.searchSel--
		}
		return m, nil

	case "down":
		if m.focus == focusSidebar && m.selected < len(m.convs)-1 {
			m.selected++
		}
		if m.focus == focusSearch && m.searchSel < len(m.searchResults)-1 {
			m.searchSel++
		}
		return m, nil

	case "r":
		if m.focus == focusSidebar && m.rec != nil {
			rec := m.rec
			return m, func() tea.Msg { return openedMsg{err: rec.Load(m.ctx)} }
		}

	case "enter":
		switch m.focus {
		case focusSidebar, focusFilter:
			if len(m.convs) == 0 {
				return m, nil
			}
			return m.openConversation(m.convs[m.selected])
		case focusInput:
			content := m.input.Value()
			m.input.Reset()
			if m.rec == nil {
				return m, nil
			}
			rec := m.rec
			return m, func() tea.Msg { return sentMsg{err: rec.Send(m.ctx, content)} }
		case focusSearch:
			// First enter searches; once results are up, enter starts the
			// chat with the selected user.
			if len(m.searchResults) > 0 {
				return m, m.startChatCmd(m.searchResults[m.searchSel].ID)
			}
			query := strings.TrimSpace(m.search.Value())
			if query == "" {
				return m, nil
			}
			return m, m.searchCmd(query)
		}
	}

	var cmd tea.Cmd
	switch m.focus {
	case focusFilter:
		m.filter, cmd = m.filter.Update(msg)
	case focusInput:
		m.input, cmd = m.input.Update(msg)
	case focusSearch:
		// Editing the query invalidates the previous result list.
		m.search, cmd = m.search.Update(msg)
		m.searchResults = nil
		m.searchSel = 0
	}
	return m, cmd
}

func (m model) searchCmd(query string) tea.Cmd {
	return func() tea.Msg {
		users, err := m.client.SearchUsers(m.ctx, query)
		return searchDoneMsg{users: users, err: err}
	}
}

// startChatCmd resolves the peer into a conversation, reusing an existing one
// if the pair already chats.
func (m model) startChatCmd(peerID string) tea.Cmd {
	dir := m.dir
	return func() tea.Msg {
		conv, err := dir.Start(m.ctx, peerID)
		return startDoneMsg{conv: conv, err: err}
	}
}

// openConversation swaps the active reconciler: dispose the old room before
// attaching to the new one, then load history.
func (m model) openConversation(conv kindoo.Conversation) (tea.Model, tea.Cmd) {
	if m.rec != nil {
		if m.rec.Conversation().ID == conv.ID {
			return m, nil
		}
		m.rec.Dispose()
	}
	m.dir.SetActive(conv.ID)
	rec := timeline.New(conv, m.self, m.client, m.channel, m.log)
	m.rec = rec
	m.focus = focusInput
	m.status = ""
	cmd := func() tea.Msg {
		if err := rec.Attach(); err != nil {
			return openedMsg{err: err}
		}
		return openedMsg{err: rec.Load(m.ctx)}
	}
	return m, tea.Batch(m.input.Focus(), cmd)
}

// connectCmd verifies the restored/obtained session, dials the realtime
// channel and starts the background loops.
func (m model) connectCmd() tea.Cmd {
	return func() tea.Msg {
		credential := m.sessions.Credential()
		m.client.SetCredential(credential)
		if !m.sessions.Verify(m.ctx) {
			return connectFailedMsg{err: session.ErrInvalidCredentials}
		}
		self, ok := m.sessions.Principal()
		if !ok {
			return connectFailedMsg{err: session.ErrInvalidCredentials}
		}

		channel, err := realtime.Dial(m.ctx, m.serverURL, credential, m.log)
		if err != nil {
			return connectFailedMsg{err: err}
		}

		dir := directory.New(m.client, self, m.log)
		dir.Subscribe(channel)

		engineCtx, stop := context.WithCancel(m.ctx)
		go dir.Run(engineCtx, directoryPollInterval)
		go m.sessions.RunVerifyLoop(engineCtx, verifyInterval)
		go func() {
			// If the transport drops, background loops for it stop too.
			<-channel.Done()
			stop()
		}()

		return connectedMsg{self: self, channel: channel, dir: dir, stop: stop}
	}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func authErrorText(err error) string {
	if err == nil {
		return ""
	}
	if kindoo.IsKind(err, kindoo.ErrorAuth) || errors.Is(err, session.ErrInvalidCredentials) {
		return "invalid credentials"
	}
	return err.Error()
}
