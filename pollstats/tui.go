package pollstats

import (
	"fmt"
	"os"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// TUIConsumer renders a tview/tcell progress view, grounded on
// build/ui_ncurses.go's NcursesUI: a header line plus a progress box,
// queued onto the UI thread via QueueUpdateDraw. kennel has no
// per-task event log to show, so the events pane is dropped.
type TUIConsumer struct {
	app          *tview.Application
	headerText   *tview.TextView
	progressText *tview.TextView

	mu      sync.Mutex
	stopped bool
}

// NewTUIConsumer builds and starts the TUI in a background goroutine.
// Pressing q or Ctrl+C stops the UI without affecting the orchestrator.
func NewTUIConsumer() *TUIConsumer {
	c := &TUIConsumer{app: tview.NewApplication()}

	c.headerText = tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignLeft)
	c.headerText.SetBorder(true).SetTitle(" kennel ").SetTitleAlign(tview.AlignLeft)
	c.headerText.SetText("[yellow]Waiting for the first poll...[white]")

	c.progressText = tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignLeft)
	c.progressText.SetBorder(true).SetTitle(" Tasks ").SetTitleAlign(tview.AlignLeft)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.headerText, 3, 0, false).
		AddItem(c.progressText, 6, 0, false)

	c.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			c.app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' || event.Rune() == 'Q' {
				c.app.Stop()
				return nil
			}
		}
		return event
	})

	go func() {
		_ = c.app.SetRoot(layout, true).EnableMouse(true).Run()
	}()

	return c
}

func (c *TUIConsumer) OnSnapshot(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	done := s.Completed + s.Failed + s.Other
	header := fmt.Sprintf("[yellow]Batch %s:[white] %d/%d done | [green]Elapsed:[white] %s",
		s.BatchID, done, s.Total, formatDuration(s.Elapsed))
	progress := fmt.Sprintf(
		"[blue]Running:[white]   %3d\n"+
			"[yellow]Pending:[white]   %3d\n"+
			"[green]Completed:[white] %3d\n"+
			"[red]Failed:[white]    %3d\n"+
			"Other:     %3d",
		s.Running, s.Pending, s.Completed, s.Failed, s.Other,
	)

	c.app.QueueUpdateDraw(func() {
		c.headerText.SetText(header)
		c.progressText.SetText(progress)
	})
}

// Stop cleanly shuts the TUI down.
func (c *TUIConsumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.app.Stop()
}

// IsTerminal reports whether stdout is attached to a TTY.
func IsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// NewConsumer picks StdoutConsumer or TUIConsumer. disableUI mirrors
// config.DisableUI's role in the teacher's build driver: set it forces
// the plain printer regardless of the terminal. Otherwise fall back to
// TTY detection, since a piped or backgrounded kennel run can't drive a
// tview screen either.
func NewConsumer(disableUI bool) Consumer {
	if !disableUI && IsTerminal() {
		return NewTUIConsumer()
	}
	return NewStdoutConsumer()
}
