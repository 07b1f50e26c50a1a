// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders live sync progress on a terminal.
package tui

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/term"

	"github.com/neuroget/neuroget/pkg/neuroget"
)

const barTemplate = `{{string . "path" | printf "%-45s"}} {{bar . "[" "=" ">" " " "]"}} {{percent .}} {{speed .}}`

const counterTemplate = `{{string . "path" | printf "%-45s"}} {{counters .}} {{speed .}}`

// LiveRenderer shows one progress bar per active transfer when stdout is an
// interactive terminal, and falls back to plain line output otherwise.
type LiveRenderer struct {
	mu          sync.Mutex
	interactive bool
	pool        *pb.Pool
	started     bool
	bars        map[string]*pb.ProgressBar
}

// NewLiveRenderer creates a renderer. Close must be called once the run
// finishes to restore the terminal.
func NewLiveRenderer() *LiveRenderer {
	return &LiveRenderer{
		interactive: term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == "",
		bars:        map[string]*pb.ProgressBar{},
	}
}

// Handler returns the progress callback to pass into the sync engine.
// It is safe for concurrent use.
func (r *LiveRenderer) Handler() neuroget.ProgressFunc {
	return func(ev neuroget.ProgressEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()

		switch ev.Event {
		case "resolve_start":
			fmt.Printf("Resolving %s ...\n", refLabel(ev))
		case "file_start":
			if r.interactive {
				r.addBar(ev)
			} else {
				fmt.Printf("downloading: %s (%d bytes)\n", ev.Path, ev.Total)
			}
		case "file_progress":
			if bar, ok := r.bars[ev.Path]; ok {
				bar.SetCurrent(ev.Downloaded)
			}
		case "retry":
			if !r.interactive {
				fmt.Printf("retry %s (attempt %d): %s\n", ev.Path, ev.Attempt, ev.Message)
			}
		case "file_done":
			r.finishBar(ev.Path, ev.Downloaded)
			if !r.interactive {
				if strings.HasPrefix(ev.Message, "skip") {
					fmt.Printf("skip: %s\n", ev.Path)
				} else {
					fmt.Printf("done: %s\n", ev.Path)
				}
			}
		case "error":
			r.finishBar(ev.Path, ev.Downloaded)
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", ev.Path, ev.Message)
		case "done":
			fmt.Println(ev.Message)
		}
	}
}

// Close stops the bar pool.
func (r *LiveRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != nil && r.started {
		r.pool.Stop()
		r.started = false
	}
}

func (r *LiveRenderer) addBar(ev neuroget.ProgressEvent) {
	if _, ok := r.bars[ev.Path]; ok {
		return
	}
	var bar *pb.ProgressBar
	if ev.Total > 0 {
		bar = pb.New64(ev.Total).SetTemplateString(barTemplate)
	} else {
		// The catalog did not report a size; show byte counters instead of
		// a determinate bar.
		bar = pb.New64(0).SetTemplateString(counterTemplate)
	}
	bar.Set("path", truncatePath(ev.Path, 45))
	bar.Set(pb.Bytes, true)
	bar.SetCurrent(ev.Downloaded)
	r.bars[ev.Path] = bar

	if r.pool == nil {
		r.pool = pb.NewPool(bar)
		if err := r.pool.Start(); err != nil {
			// Terminal refused raw mode; drop to plain output.
			r.interactive = false
			delete(r.bars, ev.Path)
			return
		}
		r.started = true
		return
	}
	r.pool.Add(bar)
}

func (r *LiveRenderer) finishBar(path string, downloaded int64) {
	bar, ok := r.bars[path]
	if !ok {
		return
	}
	if downloaded > 0 {
		bar.SetCurrent(downloaded)
	} else if total := bar.Total(); total > 0 {
		bar.SetCurrent(total)
	}
	bar.Finish()
	delete(r.bars, path)
}

func refLabel(ev neuroget.ProgressEvent) string {
	if ev.Tag != "" {
		return ev.Dataset + ":" + ev.Tag
	}
	return ev.Dataset
}

func truncatePath(p string, width int) string {
	if len(p) <= width {
		return p
	}
	return "..." + p[len(p)-width+3:]
}
