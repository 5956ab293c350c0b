// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gomlx/dynbatch/backends"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// BuildProgress displays the progress of an engine build.
//
// Updates are drawn asynchronously, so the build is never blocked by a slow terminal.
type BuildProgress struct {
	writer  io.Writer
	termenv *termenv.Output
	bar     *progressbar.ProgressBar
	updates chan progressUpdate
	done    sync.WaitGroup
	once    sync.Once
}

type progressUpdate struct {
	done, total int
	description string
}

// NewBuildProgress creates a progress bar writing to w. If w is nil, os.Stdout is used.
func NewBuildProgress(w io.Writer) *BuildProgress {
	if w == nil {
		w = os.Stdout
	}
	p := &BuildProgress{
		writer:  w,
		termenv: termenv.NewOutput(w),
		updates: make(chan progressUpdate, 100), // Large buffer so the build is not blocked.
	}
	p.done.Add(1)
	go p.draw()
	return p
}

// Func returns the function to pass to engine.BuilderConfig.SetProgress.
func (p *BuildProgress) Func() backends.ProgressFunc {
	return func(done, total int, description string) {
		p.updates <- progressUpdate{done: done, total: total, description: description}
	}
}

func (p *BuildProgress) draw() {
	defer p.done.Done()
	for update := range p.updates {
		// Exhaust the updates in the buffer:
	exhaust:
		for {
			select {
			case newUpdate, ok := <-p.updates:
				if !ok {
					break exhaust
				}
				update = newUpdate
			default:
				break exhaust
			}
		}
		if p.bar == nil {
			p.termenv.HideCursor()
			p.bar = progressbar.NewOptions(update.total,
				progressbar.OptionSetWriter(p.writer),
				progressbar.OptionSetDescription("[bold]Building[reset]"),
				progressbar.OptionUseANSICodes(true),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("nodes"),
				progressbar.OptionSetTheme(ProgressbarStyle),
			)
		}
		p.bar.Describe(fmt.Sprintf("[bold]Building[reset] %-24s", update.description))
		_ = p.bar.Set(update.done)
	}
}

// Close waits for pending updates to be drawn and restores the cursor. It can be called more than once.
func (p *BuildProgress) Close() {
	p.once.Do(func() {
		close(p.updates)
		p.done.Wait()
		if p.bar != nil {
			_ = p.bar.Finish()
			p.termenv.ShowCursor()
			_, _ = fmt.Fprintln(p.writer)
		}
	})
}
