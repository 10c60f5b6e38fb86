package main

import (
	"context"
	"errors"
	"net"

	"recall/internal/api"
	"recall/internal/fault"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	switch {
	case errors.Is(err, fault.ErrNotAuthenticated):
		lines = append(lines, "hint: sign in with: recall signin (username from RECALL_USERNAME or config, password from RECALL_PASSWORD).")
	case errors.Is(err, fault.ErrAlreadyAuthenticated):
		lines = append(lines, "hint: this device is already signed in; run recall signout first to switch accounts.")
	case errors.Is(err, fault.ErrUnflushedWrites):
		lines = append(lines, "hint: run recall sync --once to push pending writes, or pass --force to discard them.")
	case errors.Is(err, fault.ErrTransitionPending):
		lines = append(lines, "hint: an account transition was interrupted; run recall signin to finish it.")
	case errors.Is(err, fault.ErrStorageFull):
		lines = append(lines, "hint: the data volume is full; free space and retry.")
	case fault.IsInvariant(err):
		lines = append(lines, "hint: local data belongs to a different account; sign out with --force to reset this device.")
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "resource_exhausted":
			lines = append(lines, "hint: retry shortly; the relay is limiting requests.")
		case "":
			lines = append(lines, "hint: verify RECALL_REMOTE_URL points to a recall relay.")
		}
		if apiErr.Status >= 500 {
			lines = append(lines, "hint: relay returned an internal error; check relay logs for details.")
		}
		return uniqueLines(lines)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: request timed out; check relay health or increase RECALL_HTTP_TIMEOUT.")
		return uniqueLines(lines)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		lines = append(lines,
			"hint: ensure a recall relay is running at RECALL_REMOTE_URL.",
			"hint: start a local relay with: recall srv",
			"hint: you can increase RECALL_HTTP_TIMEOUT for slower networks.",
		)
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
