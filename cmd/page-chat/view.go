package main

import (
	"fmt"
	"io"
	"sync"

	"page-chat/internal/domain"
)

// termView renders the panel as lines on a terminal.
type termView struct {
	mu sync.Mutex
	w  io.Writer
}

func (v *termView) SetInput(text string) {
	if text == "" {
		return
	}
	v.printf("input: %s  (press Enter to send)\n", text)
}

func (v *termView) Append(msg domain.ChatMessage) {
	switch msg.Origin {
	case domain.OriginUser:
		v.printf("you> %s\n", msg.Text)
	default:
		v.printf("bot> %s\n", msg.Text)
	}
}

func (v *termView) ShowError(err error) {
	v.printf("error: %v\n", err)
}

func (v *termView) ShowNotice(text string) {
	v.printf("-- %s\n", text)
}

func (v *termView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = fmt.Fprintf(v.w, format, args...)
}
