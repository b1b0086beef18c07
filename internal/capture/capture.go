package capture

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"github.com/atotto/clipboard"
)

// Adapter captures the assistant's last response from the host application.
// Implementations are best-effort: they may time out, fail, or return stale
// content. The caller decides retry policy.
type Adapter interface {
	CaptureLastResponse(ctx context.Context) (string, error)
}

// copyResponseScript drives the desktop app: bring it to front, trigger the
// copy-last-response shortcut, then read the clipboard.
const copyResponseScript = `
tell application "Claude"
	activate
	delay 0.5
	key code 8 using {command down, shift down}
	delay 0.2
end tell

delay 0.5
return the clipboard as string
`

const readClipboardScript = `return the clipboard as string`

// OsascriptAdapter captures via AppleScript automation (macOS).
type OsascriptAdapter struct{}

func NewOsascriptAdapter() *OsascriptAdapter {
	return &OsascriptAdapter{}
}

// Available reports whether osascript can be executed on this machine.
func (a *OsascriptAdapter) Available() bool {
	_, err := exec.LookPath("osascript")
	return err == nil
}

func (a *OsascriptAdapter) CaptureLastResponse(ctx context.Context) (string, error) {
	out, err := runOsascript(ctx, copyResponseScript)
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out), nil
	}
	if err != nil {
		log.Printf("⚠️ Copy-response script failed, falling back to plain clipboard read: %v", err)
	}

	// Fallback: the shortcut may have populated the clipboard even when the
	// script itself errored out.
	out, err = runOsascript(ctx, readClipboardScript)
	if err != nil {
		return "", fmt.Errorf("clipboard read: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func runOsascript(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("osascript: %v (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ClipboardAdapter reads the system clipboard directly. Portable fallback for
// hosts without AppleScript; assumes the user copied the response themselves.
type ClipboardAdapter struct{}

func NewClipboardAdapter() *ClipboardAdapter {
	return &ClipboardAdapter{}
}

func (a *ClipboardAdapter) CaptureLastResponse(ctx context.Context) (string, error) {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := clipboard.ReadAll()
		ch <- result{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("clipboard read: %w", r.err)
		}
		return strings.TrimSpace(r.text), nil
	}
}
