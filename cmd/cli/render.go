package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redsanjin-1/bigfile/internal/resume"
	"github.com/redsanjin-1/bigfile/internal/uploader"
)

const redrawEvery = 200 * time.Millisecond

// renderer prints uploader events as a single rewritten progress line plus
// one line per state change.
type renderer struct {
	mu       sync.Mutex
	out      io.Writer
	lastDraw time.Time
	inLine   bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) Handle(e uploader.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Type {
	case uploader.EventProgress:
		if time.Since(r.lastDraw) < redrawEvery && e.Progress.Percent < 100 {
			return
		}
		r.lastDraw = time.Now()
		fmt.Fprintf(r.out, "\r\033[K📤 %s", e.Progress)
		r.inLine = true
	case uploader.EventCalculating:
		r.println("🔍 Hashing %s", e.Path)
	case uploader.EventDeduplicated:
		r.println("⚡ %s is already on the server", shortID(e.Identity))
	case uploader.EventRetry:
		r.println("🔁 %s attempt %d failed: %v", shortID(e.Identity), e.Attempt, e.Err)
	case uploader.EventStatus:
		switch e.Status {
		case resume.StatusUploading, resume.StatusNotStarted:
			r.println("📦 %s %s", shortID(e.Identity), e.Status)
		case resume.StatusCompleted:
			r.println("✅ %s completed", shortID(e.Identity))
		case resume.StatusPaused:
			r.println("⏸️  %s paused", shortID(e.Identity))
		case resume.StatusFailed:
			r.println("❌ %s failed", shortID(e.Identity))
		}
	}
}

func (r *renderer) println(format string, args ...interface{}) {
	if r.inLine {
		fmt.Fprintln(r.out)
		r.inLine = false
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}
