package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"page-chat/internal/coordinator"
	"page-chat/internal/extractor"
	"page-chat/internal/panel"
	"page-chat/internal/platform"
)

const panelLoadTimeout = 5 * time.Second

// host plays the browser: it owns the runtime, loads pages into tabs and
// drives one window's side panel from terminal commands.
type host struct {
	rt       *platform.Runtime
	cfg      panel.Config
	windowID int
	view     panel.View
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	panel *panel.Panel
	ready chan *panel.Panel
}

func newHost(rt *platform.Runtime, cfg hostConfig, view panel.View, client *http.Client, logger *slog.Logger) *host {
	h := &host{
		rt:       rt,
		cfg:      cfg.Panel,
		windowID: cfg.WindowID,
		view:     view,
		client:   client,
		logger:   logger,
		ready:    make(chan *panel.Panel, 1),
	}
	rt.OnPanelOpened(h.onPanelOpened)
	return h
}

func (h *host) onPanelOpened(ctx context.Context, windowID int) {
	cfg := h.cfg
	cfg.WindowID = windowID
	p, err := panel.New(cfg, h.rt, h.view, panel.WithHTTPClient(h.client), panel.WithLogger(h.logger))
	if err != nil {
		h.logger.Error("create panel", "window_id", windowID, "err", err)
		return
	}
	if err := p.Initialize(ctx); err != nil {
		h.logger.Error("initialize panel", "window_id", windowID, "err", err)
		return
	}

	h.mu.Lock()
	h.panel = p
	h.mu.Unlock()
	select {
	case h.ready <- p:
	default:
	}
}

// openTab loads url into a new active tab. Pages that are not http(s) get a
// tab with no content script, like browser-internal pages.
func (h *host) openTab(ctx context.Context, url string) (platform.Tab, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return h.rt.AddTab(h.windowID, url, url), nil
	}
	page, err := extractor.Fetch(ctx, h.client, url)
	if err != nil {
		return platform.Tab{}, err
	}
	tab := h.rt.AddTab(h.windowID, page.URL, page.Title())
	if err := h.rt.AddTabListener(tab.ID, extractor.Listener(page)); err != nil {
		return platform.Tab{}, err
	}
	return tab, nil
}

// selectText invokes the context menu on the active tab. A panel already
// open is reloaded so that it picks up the selection on connect.
func (h *host) selectText(ctx context.Context, text string) error {
	tabs, err := h.rt.QueryActiveTab(ctx, h.windowID)
	if err != nil {
		return err
	}
	if len(tabs) == 0 {
		return errors.New("no active tab; use /open <url> first")
	}
	h.closePanel()
	if err := h.rt.ClickMenu(ctx, platform.ClickInfo{MenuItemID: coordinator.MenuID, SelectionText: text}, tabs[0]); err != nil {
		return err
	}
	_, err = h.waitPanel(ctx)
	return err
}

// activePanel returns the open panel, opening one from the toolbar if needed.
func (h *host) activePanel(ctx context.Context) (*panel.Panel, error) {
	h.mu.Lock()
	p := h.panel
	h.mu.Unlock()
	if p != nil {
		return p, nil
	}
	h.rt.SetPanelOptions(platform.PanelOptions{Path: coordinator.PanelPath})
	if err := h.rt.OpenPanel(ctx, h.windowID); err != nil {
		return nil, err
	}
	return h.waitPanel(ctx)
}

func (h *host) waitPanel(ctx context.Context) (*panel.Panel, error) {
	select {
	case p := <-h.ready:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(panelLoadTimeout):
		return nil, errors.New("side panel did not load")
	}
}

func (h *host) closePanel() {
	h.mu.Lock()
	p := h.panel
	h.panel = nil
	h.mu.Unlock()
	if p != nil {
		p.Close()
	}
	h.rt.ClosePanel(h.windowID)
	select {
	case <-h.ready:
	default:
	}
}

// send types text into the panel and presses Enter. Empty text submits the
// current input, such as a prompt seeded from a selection.
func (h *host) send(ctx context.Context, text string) error {
	p, err := h.activePanel(ctx)
	if err != nil {
		return err
	}
	if text != "" {
		p.SetInput(text)
	}
	if _, ok := p.KeyDown(ctx, panel.CommitKey); !ok {
		return errors.New("nothing to send")
	}
	return nil
}

func (h *host) push(ctx context.Context) error {
	p, err := h.activePanel(ctx)
	if err != nil {
		return err
	}
	// PushContext reports failures through the view.
	_ = p.PushContext(ctx)
	return nil
}

func (h *host) activate(arg string) error {
	id, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return fmt.Errorf("bad tab id %q", arg)
	}
	return h.rt.ActivateTab(id)
}

func (h *host) activeTab(ctx context.Context) (platform.Tab, bool, error) {
	tabs, err := h.rt.QueryActiveTab(ctx, h.windowID)
	if err != nil || len(tabs) == 0 {
		return platform.Tab{}, false, err
	}
	return tabs[0], true, nil
}
