// Package render turns normalized events into chat message text.
// Rendering is a pure function of the event plus per-project display
// preferences; it performs no I/O and never fails.
package render

import (
	"fmt"
	"strings"
	"time"

	"gitrelay/internal/event"
)

// ParseMode is the Telegram parse mode every rendered message uses.
const ParseMode = "Markdown"

// Prefs are the per-project display toggles. The zero value shows nothing
// but the header; use Defaults() for the usual configuration.
type Prefs struct {
	ShowProject  bool
	ShowStatus   bool
	ShowBranch   bool
	ShowUser     bool
	ShowDuration bool
}

func Defaults() Prefs {
	return Prefs{ShowProject: true, ShowStatus: true, ShowBranch: true, ShowUser: true, ShowDuration: true}
}

// statusGlyphs annotates well-known statuses. Unrecognized statuses get no
// glyph, not an error.
var statusGlyphs = map[string]string{
	"success":  "✅",
	"failed":   "❌",
	"running":  "🏃",
	"pending":  "⏳",
	"canceled": "🚫",
	"skipped":  "⏭️",
	"merged":   "🔀",
	"opened":   "🟢",
	"pushed":   "🔄",
}

// Glyph returns the presentational glyph for a status ("" if unknown).
func Glyph(status string) string { return statusGlyphs[status] }

// Render produces the message text for an event.
//
// Line order is fixed: header, project, status, branch, user, duration,
// link. Lines for disabled preferences or absent fields are omitted.
func Render(ev event.Event, p Prefs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚀 *Event Update:* `%s`\n", ev.Kind.Title())

	if p.ShowProject && ev.Project != "" {
		fmt.Fprintf(&b, "🎯 *Project:* `%s`\n", ev.Project)
	}
	if p.ShowStatus && ev.Status != "" {
		b.WriteString(statusLine(ev.Status))
	}
	if p.ShowBranch {
		writeBranch(&b, ev)
	}
	if p.ShowUser {
		writeActors(&b, ev)
	}
	if p.ShowDuration {
		writeDuration(&b, ev)
	}
	writeURL(&b, ev)
	writePush(&b, ev)

	return strings.TrimRight(b.String(), "\n")
}

// RenderCoalesced collapses a buffered pending phase and its closer status
// into one message: how long the unit sat pending, then where it ended up.
func RenderCoalesced(pending, ev event.Event, p Prefs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚀 *Event Update:* `%s`\n", ev.Kind.Title())

	if p.ShowProject && ev.Project != "" {
		fmt.Fprintf(&b, "🎯 *Project:* `%s`\n", ev.Project)
	}
	if p.ShowStatus {
		fmt.Fprintf(&b, "📌 *Status:* `pending` ⏳ (%s)\n", pendingSpan(pending, ev))
		b.WriteString(statusLine(ev.Status))
	}
	if p.ShowBranch {
		writeBranch(&b, ev)
	}
	if p.ShowUser {
		writeActors(&b, ev)
	}
	if p.ShowDuration {
		writeDuration(&b, ev)
	}
	writeURL(&b, ev)

	return strings.TrimRight(b.String(), "\n")
}

func statusLine(status string) string {
	if g := Glyph(status); g != "" {
		return fmt.Sprintf("📌 *Status:* `%s` %s\n", status, g)
	}
	return fmt.Sprintf("📌 *Status:* `%s`\n", status)
}

func writeBranch(b *strings.Builder, ev event.Event) {
	if ev.Merge != nil && ev.Merge.TargetBranch != "" {
		fmt.Fprintf(b, "🌿 *Branch:* `%s` → `%s`\n", ev.Merge.SourceBranch, ev.Merge.TargetBranch)
		return
	}
	if ev.Branch != "" {
		fmt.Fprintf(b, "🌿 *Branch:* `%s`\n", ev.Branch)
	}
}

func writeActors(b *strings.Builder, ev event.Event) {
	if name := ev.Actor.DisplayName(); name != "" {
		if ev.Actor.TelegramID != 0 {
			// Clickable mention for mapped users.
			fmt.Fprintf(b, "👤 *User:* [%s](tg://user?id=%d)\n", name, ev.Actor.TelegramID)
		} else {
			fmt.Fprintf(b, "👤 *User:* %s\n", name)
		}
	}
	if ev.Merge == nil {
		return
	}
	if len(ev.Merge.Assignees) > 0 {
		fmt.Fprintf(b, "🙋 *Assignees:* %s\n", strings.Join(ev.Merge.Assignees, ", "))
	}
	if len(ev.Merge.Reviewers) > 0 {
		fmt.Fprintf(b, "🔍 *Reviewers:* %s\n", strings.Join(ev.Merge.Reviewers, ", "))
	}
}

func writeURL(b *strings.Builder, ev event.Event) {
	if u := ev.URL(); u != "" {
		fmt.Fprintf(b, "🔗 %s\n", u)
	}
}

func writeDuration(b *strings.Builder, ev event.Event) {
	if ev.Pipeline == nil || ev.Pipeline.DurationSec == nil {
		return
	}
	fmt.Fprintf(b, "⏳ *Duration:* `%s`\n", formatSeconds(*ev.Pipeline.DurationSec))
}

func writePush(b *strings.Builder, ev event.Event) {
	d := ev.Push
	if d == nil || len(d.Commits) == 0 {
		return
	}
	b.WriteString("*Commits:*\n")
	for _, c := range d.Commits {
		fmt.Fprintf(b, "• `%s` %s\n", c.SHA, c.Title)
	}
	if extra := d.TotalCommits - len(d.Commits); extra > 0 {
		fmt.Fprintf(b, "… and %d more\n", extra)
	}
}

// pendingSpan prefers the pending event's own reported duration and falls
// back to the wall time between the two deliveries.
func pendingSpan(pending, ev event.Event) string {
	if pending.Pipeline != nil && pending.Pipeline.DurationSec != nil {
		return formatSeconds(*pending.Pipeline.DurationSec)
	}
	if !pending.At.IsZero() && ev.At.After(pending.At) {
		return formatSeconds(int64(ev.At.Sub(pending.At) / time.Second))
	}
	return "0s"
}

func formatSeconds(sec int64) string {
	if sec < 0 {
		sec = 0
	}
	return (time.Duration(sec) * time.Second).String()
}
