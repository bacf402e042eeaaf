// Package tui is a terminal front end for the local web chat.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"crabstack.local/projects/crab-claw/internal/chatclient"
)

type Options struct {
	AssistantName string
}

func Run(ctx context.Context, cfg chatclient.Config, opts Options) error {
	cli, err := chatclient.New(cfg)
	if err != nil {
		return err
	}
	defer cli.Close()

	assistant := strings.TrimSpace(opts.AssistantName)
	if assistant == "" {
		assistant = "Assistant"
	}

	app := tview.NewApplication()

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetText("[yellow]status: disconnected")
	statusView.SetBorder(true).SetTitle("Connection")

	chatView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetScrollable(true)
	chatView.SetBorder(true).SetTitle("Web Chat")

	helpView := tview.NewTextView().
		SetDynamicColors(true).
		SetText("Enter sends a message to the web chat conversation. Type /quit to exit.")
	helpView.SetBorder(true).SetTitle("Help")

	input := tview.NewInputField().
		SetLabel("You> ").
		SetFieldWidth(0)
	input.SetBorder(true).SetTitle("Compose")

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(statusView, 3, 0, false).
		AddItem(chatView, 0, 1, false).
		AddItem(helpView, 3, 0, false).
		AddItem(input, 3, 0, true)

	appendLine := func(line string) {
		_, _ = fmt.Fprintf(chatView, "%s\n", line)
		chatView.ScrollToEnd()
	}
	setStatus := func(line string) {
		statusView.SetText(line)
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(input.GetText())
		if text == "" {
			return
		}
		input.SetText("")

		if text == "/quit" {
			app.Stop()
			return
		}

		appendLine(fmt.Sprintf("[gray]%s[white] you: %s", timestamp(), tview.Escape(text)))
		go func(message string) {
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := cli.Send(sendCtx, message); err != nil {
				app.QueueUpdateDraw(func() {
					appendLine(fmt.Sprintf("[red]%s send failed: %v", timestamp(), err))
				})
			}
		}(text)
	})

	go func() {
		app.QueueUpdateDraw(func() {
			setStatus("[yellow]status: connecting to " + cfg.URL)
		})

		if err := cli.Connect(ctx); err != nil {
			app.QueueUpdateDraw(func() {
				setStatus(fmt.Sprintf("[red]status: connect failed (%v)", err))
				appendLine(fmt.Sprintf("[red]%s connect failed: %v", timestamp(), err))
			})
			return
		}

		app.QueueUpdateDraw(func() {
			setStatus("[green]status: connected")
		})

		for {
			select {
			case <-ctx.Done():
				app.Stop()
				return
			case <-cli.Done():
				app.QueueUpdateDraw(func() {
					setStatus("[yellow]status: disconnected")
				})
				return
			case err := <-cli.Errors():
				app.QueueUpdateDraw(func() {
					appendLine(fmt.Sprintf("[red]%s transport error: %v", timestamp(), err))
				})
			case event := <-cli.Events():
				status, line := FormatEvent(event, assistant)
				app.QueueUpdateDraw(func() {
					if status != "" {
						setStatus(status)
					}
					if line != "" {
						appendLine(line)
					}
				})
			}
		}
	}()

	return app.SetRoot(layout, true).EnableMouse(true).Run()
}

// FormatEvent renders one chat event as an optional status line and an
// optional transcript line.
func FormatEvent(event chatclient.Event, assistant string) (status, line string) {
	switch event.Event {
	case "typing":
		return "[yellow]status: " + tview.Escape(assistant) + " is typing", ""
	case "message":
		return "", fmt.Sprintf("[gray]%s[green] %s: [white]%s", timestamp(), tview.Escape(assistant), tview.Escape(event.Text()))
	case "error":
		return "", fmt.Sprintf("[gray]%s[red] error: %s", timestamp(), tview.Escape(event.Text()))
	case "done":
		return "[green]status: connected", ""
	}
	return "", ""
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}
