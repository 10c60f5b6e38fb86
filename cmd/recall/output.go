package main

import (
	"fmt"
	"os"
	"strings"

	"recall/internal/app"
	"recall/internal/cas"
	"recall/internal/format"
	"recall/internal/models"
	"recall/internal/store"
)

var outputFormatter format.Formatter = format.JSONFormatter{}

func writeJSON(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func writeLines(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatBlobLine(b models.Blob) string {
	name := b.Filename
	if name == "" {
		name = "-"
	}
	mime := b.MimeType
	if mime == "" {
		mime = "-"
	}
	line := fmt.Sprintf("%s  %9s  %-24s %s", format.ShortDigest(b.SHA256), format.Bytes(b.SizeBytes), mime, name)
	if b.Health != "" && b.Health != models.BlobHealthy {
		line += fmt.Sprintf(" [%s]", b.Health)
	}
	return line
}

func formatAssetLine(a models.Asset) string {
	line := fmt.Sprintf("%s  %s  %9s  %s", a.ID, format.ShortDigest(a.SHA256), format.Bytes(a.SizeBytes), a.Filename)
	if a.Role != "" {
		line += fmt.Sprintf(" (%s)", a.Role)
	}
	if a.LinkedEntityID != nil {
		line += " -> " + *a.LinkedEntityID
	}
	return line
}

func formatEntryLine(e models.Entry) string {
	line := fmt.Sprintf("#%d %s %s/%s attempts=%d", e.Sequence, e.Operation, e.EntityType, e.EntityID, e.Attempts)
	switch {
	case e.Status == models.EntryDead:
		line += " dead: " + e.DeadReason
	case e.NextAttemptAt != nil:
		line += " next=" + format.Time(*e.NextAttemptAt)
		if e.LastError != "" {
			line += " error: " + e.LastError
		}
	}
	return line
}

func writeBlobStats(stats store.BlobStats) error {
	lines := []string{
		fmt.Sprintf("blobs: %d (%s)", stats.TotalBlobs, format.Bytes(stats.TotalBytes)),
		fmt.Sprintf("held locally: %d", stats.LocalBlobs),
	}
	for _, m := range stats.ByMime {
		mime := m.MimeType
		if mime == "" {
			mime = "unknown"
		}
		lines = append(lines, fmt.Sprintf("  %-28s %6d  %s", mime, m.Count, format.Bytes(m.Bytes)))
	}
	for health, n := range stats.ByHealth {
		lines = append(lines, fmt.Sprintf("health %s: %d", health, n))
	}
	return writeLines(lines)
}

func writeHealthReport(r cas.HealthReport) error {
	lines := []string{fmt.Sprintf("checked %d: %d healthy, %d missing, %d modified, %d recovered, %d orphaned",
		r.Checked, r.Healthy, r.Missing, r.Modified, r.Recovered, r.Orphaned)}
	for _, e := range r.Errors {
		lines = append(lines, "error: "+e)
	}
	return writeLines(lines)
}

func writeStatus(s app.Status) error {
	lines := []string{
		fmt.Sprintf("state: %s", s.Identity.State),
		fmt.Sprintf("device_id: %s", s.Identity.DeviceID),
	}
	if s.Identity.AccountID != "" {
		lines = append(lines, fmt.Sprintf("account_id: %s", s.Identity.AccountID))
	}
	lines = append(lines,
		fmt.Sprintf("remote: %s", s.RemoteURL),
		fmt.Sprintf("pending: %d", s.Pending),
		fmt.Sprintf("dead_letters: %d", s.DeadLetters),
	)
	for _, et := range models.EntityTypes() {
		if pos, ok := s.Cursors[et]; ok {
			lines = append(lines, fmt.Sprintf("cursor %s: %d", et, pos))
		}
	}
	return writeLines(lines)
}
