// Package notify renders events and delivers them to notification sinks.
package notify

import (
	"fmt"
	"nextcloud-notifier/pkg/notifier"
	"strings"
)

// Linker renders a piece of text, linked to url when url is not empty.
type Linker func(text, url string) string

type phrase struct {
	verb        string
	preposition string
	color       int
}

var phrases = map[notifier.Action]phrase{
	notifier.ActionCreated: {verb: "created", preposition: "inside", color: 0x00ff00},
	notifier.ActionDeleted: {verb: "deleted", preposition: "from", color: 0xff0000},
	notifier.ActionChanged: {verb: "edited", preposition: "in", color: 0xffff00},
}

const defaultColor = 0x808080

// Describe renders a one-sentence summary such as "Jane created a.txt inside /Docs.".
func Describe(ev *notifier.Event, link Linker) string {
	p, ok := phrases[ev.Action]
	if !ok {
		p = phrase{verb: strings.TrimPrefix(string(ev.Action), "file_"), preposition: "in"}
	}
	return fmt.Sprintf("%s %s %s %s %s.",
		ev.Actor(),
		p.verb,
		link(ev.FileName(), ev.FileURL),
		p.preposition,
		link(folderName(ev), ev.FolderURL))
}

// Color returns the accent color for an action.
func Color(action notifier.Action) int {
	if p, ok := phrases[action]; ok {
		return p.color
	}
	return defaultColor
}

// MarkdownLink renders Discord flavored markdown.
func MarkdownLink(text, url string) string {
	if url == "" {
		return "`" + text + "`"
	}
	return "[" + text + "](" + url + ")"
}

// HTMLLink renders an escaped anchor, or escaped text when there is no url.
func HTMLLink(text, url string) string {
	if url == "" {
		return "<code>" + escapeHTML(text) + "</code>"
	}
	return fmt.Sprintf("<a href=\"%s\">%s</a>", escapeHTML(url), escapeHTML(text))
}

func folderName(ev *notifier.Event) string {
	if dir := ev.FileDir(); dir != "" {
		return dir
	}
	return "/"
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
