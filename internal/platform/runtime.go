// Package platform is an in-process extension runtime. It provides the host
// capabilities the extension contexts rely on: tabs, one-shot tab messages,
// named persistent ports, context-menu entries and the side panel.
//
// Contexts never share memory; everything they exchange crosses the runtime
// as JSON.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoReceiver is the runtime's last error when nothing answers a message
	// or accepts a connection.
	ErrNoReceiver  = errors.New("platform: could not establish connection, receiving end does not exist")
	ErrTabNotFound = errors.New("platform: tab not found")
)

// Tab is a snapshot of one browser tab.
type Tab struct {
	ID       int
	WindowID int
	URL      string
	Title    string
	Active   bool
}

// MenuItem is a context-menu entry.
type MenuItem struct {
	ID       string
	Title    string
	Contexts []string
}

// ClickInfo describes a context-menu invocation.
type ClickInfo struct {
	MenuItemID    string
	SelectionText string
}

// PanelOptions configures the side panel document.
type PanelOptions struct {
	Path string
}

// MessageHandler answers a one-shot message. It returns false to leave the
// message unanswered.
type MessageHandler func(ctx context.Context, msg json.RawMessage) (json.RawMessage, bool)

type connectListener struct {
	id int
	fn func(*Port) bool
}

// Runtime holds platform state. The zero value is not usable; call New.
type Runtime struct {
	mu sync.Mutex

	nextTabID      int
	nextListenerID int
	tabs           map[int]Tab
	menus          map[string]MenuItem
	panel          PanelOptions
	openPanels     map[int]bool

	installed        []func(context.Context)
	menuClicked      []func(context.Context, ClickInfo, Tab)
	panelOpened      []func(context.Context, int)
	tabListeners     map[int][]MessageHandler
	connectListeners []connectListener
}

func New() *Runtime {
	return &Runtime{
		nextTabID:    1,
		tabs:         make(map[int]Tab),
		menus:        make(map[string]MenuItem),
		openPanels:   make(map[int]bool),
		tabListeners: make(map[int][]MessageHandler),
	}
}

// OnInstalled registers a listener for the install event.
func (r *Runtime) OnInstalled(fn func(context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installed = append(r.installed, fn)
}

// Install fires the install event. It may fire more than once, as on updates.
func (r *Runtime) Install(ctx context.Context) {
	r.mu.Lock()
	listeners := append([]func(context.Context){}, r.installed...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx)
	}
}

// CreateMenu registers a context-menu entry. An entry with the same ID is
// replaced.
func (r *Runtime) CreateMenu(item MenuItem) error {
	if item.ID == "" {
		return errors.New("platform: menu item id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.menus[item.ID] = item
	return nil
}

// Menus returns the registered entries ordered by ID.
func (r *Runtime) Menus() []MenuItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]MenuItem, 0, len(r.menus))
	for _, m := range r.menus {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnMenuClicked registers a listener for context-menu invocations.
func (r *Runtime) OnMenuClicked(fn func(context.Context, ClickInfo, Tab)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.menuClicked = append(r.menuClicked, fn)
}

// ClickMenu simulates the user invoking a context-menu entry on tab.
func (r *Runtime) ClickMenu(ctx context.Context, info ClickInfo, tab Tab) error {
	r.mu.Lock()
	if _, ok := r.menus[info.MenuItemID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("platform: unknown menu item %q", info.MenuItemID)
	}
	listeners := append([]func(context.Context, ClickInfo, Tab){}, r.menuClicked...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, info, tab)
	}
	return nil
}

// SetPanelOptions sets the side panel document.
func (r *Runtime) SetPanelOptions(opts PanelOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panel = opts
}

// PanelOptions returns the current side panel options.
func (r *Runtime) PanelOptions() PanelOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.panel
}

// OnPanelOpened registers a listener that runs, in its own goroutine, every
// time a panel document loads in a window.
func (r *Runtime) OnPanelOpened(fn func(ctx context.Context, windowID int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panelOpened = append(r.panelOpened, fn)
}

// OpenPanel opens the side panel for a window. Opening an already open panel
// only focuses it.
func (r *Runtime) OpenPanel(ctx context.Context, windowID int) error {
	r.mu.Lock()
	if r.panel.Path == "" {
		r.mu.Unlock()
		return errors.New("platform: side panel path is not set")
	}
	if r.openPanels[windowID] {
		r.mu.Unlock()
		return nil
	}
	r.openPanels[windowID] = true
	listeners := append([]func(context.Context, int){}, r.panelOpened...)
	r.mu.Unlock()

	// The panel is a separate context: it loads after the caller returns.
	ctx = context.WithoutCancel(ctx)
	for _, fn := range listeners {
		go fn(ctx, windowID)
	}
	return nil
}

// ClosePanel closes the side panel of a window.
func (r *Runtime) ClosePanel(windowID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.openPanels, windowID)
}

// PanelOpen reports whether the side panel of a window is open.
func (r *Runtime) PanelOpen(windowID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openPanels[windowID]
}

// AddTab opens a tab in a window and makes it the window's active tab.
func (r *Runtime) AddTab(windowID int, url, title string) Tab {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab := Tab{ID: r.nextTabID, WindowID: windowID, URL: url, Title: title}
	r.nextTabID++
	r.tabs[tab.ID] = tab
	r.activateLocked(tab.ID)
	return r.tabs[tab.ID]
}

// ActivateTab makes a tab the active tab of its window.
func (r *Runtime) ActivateTab(tabID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[tabID]; !ok {
		return ErrTabNotFound
	}
	r.activateLocked(tabID)
	return nil
}

func (r *Runtime) activateLocked(tabID int) {
	windowID := r.tabs[tabID].WindowID
	for id, t := range r.tabs {
		if t.WindowID == windowID {
			t.Active = id == tabID
			r.tabs[id] = t
		}
	}
}

// RemoveTab closes a tab and drops its message listeners.
func (r *Runtime) RemoveTab(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, tabID)
	delete(r.tabListeners, tabID)
}

// QueryActiveTab returns the active tab of a window, if any.
func (r *Runtime) QueryActiveTab(_ context.Context, windowID int) ([]Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tabs {
		if t.WindowID == windowID && t.Active {
			return []Tab{t}, nil
		}
	}
	return nil, nil
}

// AddTabListener registers a one-shot message handler in a tab's content
// context.
func (r *Runtime) AddTabListener(tabID int, h MessageHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[tabID]; !ok {
		return ErrTabNotFound
	}
	r.tabListeners[tabID] = append(r.tabListeners[tabID], h)
	return nil
}

// SendTabMessage delivers a one-shot message to a tab. Handlers are asked in
// registration order and the first answer wins. A nil answer is returned as
// is; interpreting it is up to the caller.
func (r *Runtime) SendTabMessage(ctx context.Context, tabID int, msg any) (json.RawMessage, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("platform: marshal message: %w", err)
	}

	r.mu.Lock()
	if _, ok := r.tabs[tabID]; !ok {
		r.mu.Unlock()
		return nil, ErrTabNotFound
	}
	handlers := append([]MessageHandler{}, r.tabListeners[tabID]...)
	r.mu.Unlock()

	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if resp, ok := h(ctx, raw); ok {
			return resp, nil
		}
	}
	return nil, ErrNoReceiver
}

// AddConnectListener registers a listener offered every new port. A listener
// returns true to take the port. The returned func removes the listener.
func (r *Runtime) AddConnectListener(fn func(*Port) bool) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextListenerID++
	id := r.nextListenerID
	r.connectListeners = append(r.connectListeners, connectListener{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.connectListeners {
			if l.id == id {
				r.connectListeners = append(r.connectListeners[:i], r.connectListeners[i+1:]...)
				return
			}
		}
	}
}

// Connect opens a named persistent channel and returns the caller's end.
// The peer end is offered to connect listeners in registration order.
func (r *Runtime) Connect(name string, sender Sender) (*Port, error) {
	if name == "" {
		return nil, errors.New("platform: port name is required")
	}
	local, remote := newPortPair(name, sender)

	r.mu.Lock()
	listeners := append([]connectListener{}, r.connectListeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		if l.fn(remote) {
			return local, nil
		}
	}
	local.Disconnect()
	return nil, ErrNoReceiver
}
