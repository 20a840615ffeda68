// Command page-chat hosts the chat extension in a terminal. Page URLs given
// as arguments open as tabs; the side panel is driven with commands read
// from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"page-chat/internal/coordinator"
	"page-chat/internal/platform"
)

const usage = `commands:
  /open <url>     open a page in a new active tab
  /tab [id]       show or switch the active tab
  /select <text>  invoke "Chat" on the active tab with a selection
  /push           push the active tab's content to the backend
  /quit           exit
  anything else is typed into the panel and sent; an empty line sends the current input
`

func main() {
	configPath := flag.String("config", "", "YAML config file")
	newSession := flag.Bool("new-session", false, "use a fresh session ID instead of the configured one")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "err", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath, os.LookupEnv)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *newSession {
		cfg.Panel.SessionID = newSessionID()
	}
	cfg.Pages = append(cfg.Pages, flag.Args()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt := platform.New()
	coord, err := coordinator.New(rt, coordinator.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create coordinator", "err", err)
		os.Exit(1)
	}
	coord.Register()
	defer coord.Close()
	rt.Install(ctx)

	h := newHost(rt, cfg, &termView{w: os.Stdout}, &http.Client{Timeout: 2 * time.Minute}, logger)
	defer h.closePanel()

	for _, url := range cfg.Pages {
		tab, err := h.openTab(ctx, url)
		if err != nil {
			slog.Error("failed to open page", "url", url, "err", err)
			continue
		}
		fmt.Printf("tab %d: %s (%s)\n", tab.ID, tab.Title, tab.URL)
	}
	fmt.Printf("session %s\n%s", cfg.Panel.SessionID, usage)

	if err := run(ctx, h, os.Stdin, os.Stdout); err != nil {
		slog.Error("input failed", "err", err)
		os.Exit(1)
	}
}

// run reads commands until /quit, end of input or cancellation.
func run(ctx context.Context, h *host, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := dispatch(ctx, h, line, out); quit {
				return nil
			}
		}
	}
}

func dispatch(ctx context.Context, h *host, line string, out io.Writer) (quit bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	var err error
	switch cmd {
	case "/quit":
		return true
	case "/help":
		_, _ = io.WriteString(out, usage)
	case "/open":
		var tab platform.Tab
		if tab, err = h.openTab(ctx, strings.TrimSpace(arg)); err == nil {
			_, _ = fmt.Fprintf(out, "tab %d: %s (%s)\n", tab.ID, tab.Title, tab.URL)
		}
	case "/tab":
		if strings.TrimSpace(arg) != "" {
			err = h.activate(arg)
			break
		}
		tab, ok, qerr := h.activeTab(ctx)
		switch {
		case qerr != nil:
			err = qerr
		case !ok:
			_, _ = io.WriteString(out, "no active tab\n")
		default:
			_, _ = fmt.Fprintf(out, "tab %d: %s (%s)\n", tab.ID, tab.Title, tab.URL)
		}
	case "/select":
		err = h.selectText(ctx, arg)
	case "/push":
		err = h.push(ctx)
	default:
		err = h.send(ctx, line)
	}
	if err != nil {
		_, _ = fmt.Fprintf(out, "error: %v\n", err)
	}
	return false
}
