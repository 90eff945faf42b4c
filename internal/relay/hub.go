// Package relay implements the persistent background context: it registers
// content agents, routes popup envelopes to the right agent, answers
// identity queries, and spawns agents on demand for supported pages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agenticmem/membridge/internal/core"
	"github.com/agenticmem/membridge/internal/fabric"
	"github.com/agenticmem/membridge/internal/site"
)

// routedRequestTimeout caps how long the relay waits on an agent before the
// caller's own deadline would have fired anyway.
const routedRequestTimeout = 10 * time.Second

// Sessioner answers identity queries; the session manager implements it.
type Sessioner interface {
	UserID() (string, error)
}

// Spawner launches a content agent process for a page.
type Spawner interface {
	Spawn(tab core.Tab) (int, error)
}

type tabEntry struct {
	tab  core.Tab
	conn *fabric.Conn
}

// Hub is the relay's routing core. Safe for concurrent connections; the only
// shared mutable state is the tab registry and the session manager's own.
type Hub struct {
	sessions Sessioner
	spawner  Spawner
	logger   *slog.Logger
	log      *fabric.EnvelopeLog

	mu   sync.Mutex
	tabs map[core.TabID]*tabEntry
	// order tracks registration recency; the last entry is the active tab.
	order []core.TabID
}

// NewHub creates a hub. spawner may be nil, which disables on-demand
// injection.
func NewHub(sessions Sessioner, spawner Spawner, logger *slog.Logger) *Hub {
	return &Hub{
		sessions: sessions,
		spawner:  spawner,
		logger:   logger,
		tabs:     make(map[core.TabID]*tabEntry),
	}
}

// SetEnvelopeLog enables debug envelope logging on future connections.
func (h *Hub) SetEnvelopeLog(log *fabric.EnvelopeLog) {
	h.log = log
}

// RegisterPage pre-registers a page so popups can target it before any agent
// is attached; injection brings the agent up later.
func (h *Hub) RegisterPage(pageURL string) core.Tab {
	tab := core.Tab{ID: core.NewTabID(), URL: pageURL, RegisteredAt: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing := h.findByURLLocked(pageURL); existing != nil {
		return existing.tab
	}
	h.tabs[tab.ID] = &tabEntry{tab: tab}
	h.order = append(h.order, tab.ID)
	h.logger.Info("page registered", "tab", tab.ID, "url", pageURL)
	return tab
}

// ServeConn runs the envelope protocol over one accepted connection and
// blocks until it closes.
func (h *Hub) ServeConn(netConn net.Conn) {
	defer netConn.Close()

	state := &connState{hub: h}
	conn := fabric.NewIdleConn(netConn, netConn)
	conn.SetLog(h.log)
	state.conn = conn
	conn.SetHandler(state.handle)
	conn.Start()

	<-conn.Done()
	h.detach(state)
}

// connState is the per-connection view: role and, for agents, the tab they
// registered as.
type connState struct {
	hub  *Hub
	conn *fabric.Conn

	mu   sync.Mutex
	role string
	tab  core.TabID
}

func (cs *connState) handle(ctx context.Context, req fabric.Request) (any, error) {
	switch req.Type {
	case fabric.TypeHello:
		return cs.hub.handleHello(cs, req)

	case fabric.TypeGetUserID:
		return cs.hub.handleGetUserID()

	case fabric.TypeActiveTab:
		return cs.hub.handleActiveTab()

	case fabric.TypeListTabs:
		return cs.hub.handleListTabs()

	case fabric.TypeInjectAgent:
		return cs.hub.handleInjectAgent(req)

	case fabric.TypePing, fabric.TypeGetCurrentMessages, fabric.TypeAppendMemories:
		return cs.hub.route(ctx, req)

	case fabric.TypeAgentGone:
		cs.hub.detach(cs)
		return nil, nil

	default:
		return nil, fabric.NewMessagingError(fabric.KindUnknownType, "relay does not handle %s", req.Type)
	}
}

func (h *Hub) handleHello(cs *connState, req fabric.Request) (any, error) {
	var hello fabric.HelloPayload
	if err := json.Unmarshal(req.Payload, &hello); err != nil {
		return nil, fmt.Errorf("malformed hello: %v", err)
	}

	switch hello.Role {
	case fabric.RolePopup:
		cs.mu.Lock()
		cs.role = fabric.RolePopup
		cs.mu.Unlock()
		return fabric.HelloResult{}, nil

	case fabric.RoleAgent:
		tab := h.attachAgent(cs, hello.Tab)
		return fabric.HelloResult{Tab: tab}, nil

	default:
		return nil, fmt.Errorf("unknown role %q", hello.Role)
	}
}

// attachAgent registers an agent connection, reusing the tab identity when
// the page is already known, and bumps it to active.
func (h *Hub) attachAgent(cs *connState, announced core.Tab) core.Tab {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := h.findByURLLocked(announced.URL)
	if entry == nil {
		tab := announced
		if tab.ID == "" {
			tab.ID = core.NewTabID()
		}
		tab.RegisteredAt = time.Now()
		entry = &tabEntry{tab: tab}
		h.tabs[tab.ID] = entry
		h.order = append(h.order, tab.ID)
	}

	entry.conn = cs.conn
	if announced.Title != "" {
		entry.tab.Title = announced.Title
	}
	h.bumpLocked(entry.tab.ID)

	cs.mu.Lock()
	cs.role = fabric.RoleAgent
	cs.tab = entry.tab.ID
	cs.mu.Unlock()

	h.logger.Info("content agent attached", "tab", entry.tab.ID, "url", entry.tab.URL)
	return entry.tab
}

// detach clears the live connection of an agent whose channel went away. The
// tab itself stays registered so the popup can re-inject.
func (h *Hub) detach(cs *connState) {
	cs.mu.Lock()
	role, tabID := cs.role, cs.tab
	cs.role = ""
	cs.mu.Unlock()

	if role != fabric.RoleAgent || tabID == "" {
		return
	}

	h.mu.Lock()
	if entry, ok := h.tabs[tabID]; ok && entry.conn == cs.conn {
		entry.conn = nil
	}
	h.mu.Unlock()

	h.logger.Info("content agent detached", "tab", tabID)
}

func (h *Hub) handleGetUserID() (any, error) {
	userID, err := h.sessions.UserID()
	if err != nil {
		return nil, errors.New("Not authenticated")
	}
	return fabric.UserIDResult{UserID: userID}, nil
}

func (h *Hub) handleActiveTab() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.order) - 1; i >= 0; i-- {
		if entry, ok := h.tabs[h.order[i]]; ok {
			return fabric.ActiveTabResult{Tab: entry.tab}, nil
		}
	}
	return nil, fabric.NewMessagingError(fabric.KindNoActiveTab, "no page is registered")
}

func (h *Hub) handleListTabs() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tabs := make([]core.Tab, 0, len(h.order))
	for _, id := range h.order {
		if entry, ok := h.tabs[id]; ok {
			tabs = append(tabs, entry.tab)
		}
	}
	return fabric.ListTabsResult{Tabs: tabs}, nil
}

func (h *Hub) handleInjectAgent(req fabric.Request) (any, error) {
	var payload fabric.InjectAgentPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed payload: %v", err)
	}

	h.mu.Lock()
	entry, ok := h.tabs[payload.Tab]
	var tab core.Tab
	if ok {
		tab = entry.tab
	}
	h.mu.Unlock()
	if !ok {
		return nil, fabric.NewMessagingError(fabric.KindNoActiveTab, "unknown tab %s", payload.Tab)
	}

	if !site.IsSupported(tab.URL) {
		return nil, fabric.NewMessagingError(fabric.KindUnsupportedPage, "%s", tab.URL)
	}

	if h.spawner == nil {
		return nil, fabric.NewMessagingError(fabric.KindCommunicationError, "agent injection is disabled")
	}

	pid, err := h.spawner.Spawn(tab)
	if err != nil {
		return nil, fabric.NewMessagingError(fabric.KindCommunicationError, "spawn agent: %v", err)
	}

	h.logger.Info("content agent injected", "tab", tab.ID, "pid", pid)
	return fabric.InjectAgentResult{PID: pid}, nil
}

// route forwards a popup request to the agent attached to its tab and relays
// the structured outcome back unchanged.
func (h *Hub) route(ctx context.Context, req fabric.Request) (any, error) {
	tab, conn, ok := h.lookup(req.Tab)
	if !ok {
		return nil, fabric.NewMessagingError(fabric.KindNoActiveTab, "no page for %s", req.Type)
	}
	if conn == nil {
		return nil, fabric.NewMessagingError(fabric.KindCommunicationError, "no content agent attached to %s", tab.ID)
	}

	routeCtx, cancel := context.WithTimeout(ctx, routedRequestTimeout)
	defer cancel()

	payload, err := conn.Request(routeCtx, fabric.Request{
		Type:    req.Type,
		TS:      req.TS,
		Payload: req.Payload,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// lookup snapshots the routing target under the registry lock: the tab value
// and the live agent connection at that instant. An empty id means the active
// tab. Both returns are copies; attachAgent and detach mutate the entry
// concurrently, so callers must never hold on to the entry itself.
func (h *Hub) lookup(id core.TabID) (core.Tab, *fabric.Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var entry *tabEntry
	if id != "" {
		entry = h.tabs[id]
	} else {
		for i := len(h.order) - 1; i >= 0; i-- {
			if e, ok := h.tabs[h.order[i]]; ok {
				entry = e
				break
			}
		}
	}

	if entry == nil {
		return core.Tab{}, nil, false
	}
	return entry.tab, entry.conn, true
}

func (h *Hub) findByURLLocked(pageURL string) *tabEntry {
	for _, id := range h.order {
		if entry, ok := h.tabs[id]; ok && entry.tab.URL == pageURL {
			return entry
		}
	}
	return nil
}

// bumpLocked moves a tab to the most-recent position.
func (h *Hub) bumpLocked(id core.TabID) {
	for i, existing := range h.order {
		if existing == id {
			h.order = append(append(h.order[:i:i], h.order[i+1:]...), id)
			return
		}
	}
	h.order = append(h.order, id)
}
