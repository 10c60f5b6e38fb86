package main

import (
	"fmt"
	"net"
	"slices"
	"testing"

	"recall/internal/api"
	"recall/internal/fault"
)

func TestFormatCLIError_NetworkGuidance(t *testing.T) {
	err := fault.Transient(&net.DNSError{Err: "dial tcp: connection refused", Name: "127.0.0.1", IsTemporary: true})
	lines := formatCLIError(err)
	if !slices.Contains(lines, "hint: ensure a recall relay is running at RECALL_REMOTE_URL.") {
		t.Fatalf("expected connectivity guidance, got %v", lines)
	}
	if !slices.Contains(lines, "hint: start a local relay with: recall srv") {
		t.Fatalf("expected manual-start guidance, got %v", lines)
	}
}

func TestFormatCLIError_APIUnknownServiceGuidance(t *testing.T) {
	err := &api.APIError{Status: 404, Message: "api error: 404 Not Found"}
	lines := formatCLIError(err)
	if !slices.Contains(lines, "hint: verify RECALL_REMOTE_URL points to a recall relay.") {
		t.Fatalf("expected remote-url guidance, got %v", lines)
	}
}

func TestFormatCLIError_APIInternalGuidance(t *testing.T) {
	err := fault.Transient(&api.APIError{Status: 500, Code: "internal", Message: "internal error"})
	lines := formatCLIError(err)
	if !slices.Contains(lines, "hint: relay returned an internal error; check relay logs for details.") {
		t.Fatalf("expected internal-error guidance, got %v", lines)
	}
}

func TestFormatCLIError_SyncStateGuidance(t *testing.T) {
	tests := []struct {
		err  error
		hint string
	}{
		{
			err:  fmt.Errorf("sign in: %w", fault.ErrNotAuthenticated),
			hint: "hint: sign in with: recall signin (username from RECALL_USERNAME or config, password from RECALL_PASSWORD).",
		},
		{
			err:  fmt.Errorf("3 entries not yet synced: %w", fault.ErrUnflushedWrites),
			hint: "hint: run recall sync --once to push pending writes, or pass --force to discard them.",
		},
		{
			err:  fault.Storage("put blob", fault.ErrStorageFull),
			hint: "hint: the data volume is full; free space and retry.",
		},
		{
			err:  &fault.InvariantError{Kind: "foreign_owner", Detail: "local records belong to another account"},
			hint: "hint: local data belongs to a different account; sign out with --force to reset this device.",
		},
	}
	for _, tt := range tests {
		lines := formatCLIError(tt.err)
		if lines[0] != tt.err.Error() {
			t.Fatalf("expected error first, got %v", lines)
		}
		if !slices.Contains(lines, tt.hint) {
			t.Fatalf("expected %q for %v, got %v", tt.hint, tt.err, lines)
		}
	}
}
