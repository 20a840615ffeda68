// Package coordinator is the background context of the extension. It owns
// the context-menu entry and hands the user's selection to the side panel
// opened for it.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"page-chat/internal/platform"
)

const (
	MenuID      = "page-chat"
	MenuTitle   = "Chat"
	PanelPath   = "sidepanels/chat-panel.html"
	ChannelName = "chat"
)

// Runtime is the platform surface the coordinator needs.
type Runtime interface {
	OnInstalled(fn func(context.Context))
	OnMenuClicked(fn func(context.Context, platform.ClickInfo, platform.Tab))
	AddConnectListener(fn func(*platform.Port) bool) (remove func())
	CreateMenu(item platform.MenuItem) error
	SetPanelOptions(opts platform.PanelOptions)
	OpenPanel(ctx context.Context, windowID int) error
}

// SelectionMessage is posted once on the chat channel.
type SelectionMessage struct {
	Context string `json:"context,omitempty"`
}

// Coordinator relays one pending selection per window to the panel that
// connects from that window.
type Coordinator struct {
	rt     Runtime
	logger *slog.Logger

	mu      sync.Mutex
	pending map[int]string
	remove  func()
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(rt Runtime, opts ...Option) (*Coordinator, error) {
	if rt == nil {
		return nil, errors.New("coordinator: runtime must not be nil")
	}
	c := &Coordinator{
		rt:      rt,
		logger:  slog.Default(),
		pending: make(map[int]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register subscribes the coordinator to install, menu and connect events.
func (c *Coordinator) Register() {
	c.rt.OnInstalled(func(ctx context.Context) {
		if err := c.HandleInstalled(ctx); err != nil {
			c.logger.Error("register context menu", "err", err)
		}
	})
	c.rt.OnMenuClicked(func(ctx context.Context, info platform.ClickInfo, tab platform.Tab) {
		if err := c.HandleMenuClick(ctx, info, tab); err != nil {
			c.logger.Error("open chat panel", "window_id", tab.WindowID, "err", err)
		}
	})

	remove := c.rt.AddConnectListener(c.HandleConnect)
	c.mu.Lock()
	c.remove = remove
	c.mu.Unlock()
}

// Close stops accepting panel connections.
func (c *Coordinator) Close() {
	c.mu.Lock()
	remove := c.remove
	c.remove = nil
	c.mu.Unlock()
	if remove != nil {
		remove()
	}
}

// HandleInstalled registers the menu entry. Re-running it on every install
// overwrites the same entry.
func (c *Coordinator) HandleInstalled(context.Context) error {
	return c.rt.CreateMenu(platform.MenuItem{
		ID:       MenuID,
		Title:    MenuTitle,
		Contexts: []string{"all"},
	})
}

// HandleMenuClick opens the panel for the invoking window and remembers the
// selection for it. A newer click replaces a selection not yet delivered.
func (c *Coordinator) HandleMenuClick(ctx context.Context, info platform.ClickInfo, tab platform.Tab) error {
	if info.MenuItemID != MenuID {
		return nil
	}

	c.mu.Lock()
	_, replaced := c.pending[tab.WindowID]
	c.pending[tab.WindowID] = info.SelectionText
	c.mu.Unlock()

	c.logger.Info("chat menu invoked",
		"window_id", tab.WindowID,
		"tab_id", tab.ID,
		"selection_len", len(info.SelectionText),
		"replaced_pending", replaced,
	)

	c.rt.SetPanelOptions(platform.PanelOptions{Path: PanelPath})
	return c.rt.OpenPanel(ctx, tab.WindowID)
}

// HandleConnect takes ports on the chat channel and posts the pending
// selection of the port's window, at most once.
func (c *Coordinator) HandleConnect(port *platform.Port) bool {
	if port.Name != ChannelName {
		return false
	}

	windowID := port.Sender.WindowID
	c.mu.Lock()
	text, ok := c.pending[windowID]
	delete(c.pending, windowID)
	c.mu.Unlock()

	if !ok {
		return true
	}
	if err := port.Post(SelectionMessage{Context: text}); err != nil {
		c.logger.Warn("deliver selection", "window_id", windowID, "err", err)
	}
	return true
}

// Pending reports the undelivered selection for a window.
func (c *Coordinator) Pending(windowID int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.pending[windowID]
	return text, ok
}
