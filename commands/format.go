package commands

import (
	"fmt"
	"strings"
	"unicode/utf8"

	slacklib "github.com/slack-go/slack"

	"github.com/justmike1/casebot/cases"
	"github.com/justmike1/casebot/feed"
)

const timeFormat = "Jan 2, 15:04"

// Slack rejects a message with more than maxBlocks blocks or a text object
// longer than maxTextLen characters.
const (
	maxBlocks      = 50
	maxTextLen     = 3000
	repliesPerItem = 3
)

var (
	mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	labelEscaper  = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "|", "¦")
)

// escape makes user supplied text safe inside mrkdwn.
func escape(s string) string {
	return mrkdwnEscaper.Replace(s)
}

// clip escapes raw and cuts it to limit characters, ending with a link to
// more when it had to cut.
func clip(raw, more string, limit int) string {
	text := escape(raw)
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	tail := "…"
	if more != "" {
		tail += " " + link(more, "more")
	}
	budget := limit - utf8.RuneCountInString(tail)
	var sb strings.Builder
	n := 0
	for _, r := range raw {
		e := escape(string(r))
		n += utf8.RuneCountInString(e)
		if n > budget {
			break
		}
		sb.WriteString(e)
	}
	return sb.String() + tail
}

func markdown(text string) *slacklib.TextBlockObject {
	return slacklib.NewTextBlockObject(slacklib.MarkdownType, text, false, false)
}

func section(text string) *slacklib.SectionBlock {
	return slacklib.NewSectionBlock(markdown(text), nil, nil)
}

func note(text string) *slacklib.ContextBlock {
	return slacklib.NewContextBlock("", markdown(text))
}

// link renders <url|label>. The label is raw text.
func link(url, label string) string {
	if url == "" {
		return escape(label)
	}
	return fmt.Sprintf("<%s|%s>", url, labelEscaper.Replace(label))
}

// overflow tells how many things did not fit.
func overflow(n int, one, many, url string) *slacklib.ContextBlock {
	noun := many
	if n == 1 {
		noun = one
	}
	return note(link(url, fmt.Sprintf("…and %d more %s", n, noun)))
}

func caseTitle(c cases.Case) string {
	label := c.RecordType.String()
	if c.CaseNumber != "" {
		label += " " + c.CaseNumber
	}
	return fmt.Sprintf("*%s* %s", link(c.DetailURL, label), escape(c.Subject))
}

func caseSummary(c cases.Case) string {
	var parts []string
	for _, p := range []string{c.Status, c.Priority, c.OwnerName} {
		if p != "" {
			parts = append(parts, escape(p))
		}
	}
	if c.HasComments {
		parts = append(parts, ":speech_balloon:")
	}
	return strings.Join(parts, " · ")
}

func caseListBlocks(header string, list []cases.Case) []slacklib.Block {
	blocks := []slacklib.Block{section(header)}
	for i, c := range list {
		if len(blocks) == maxBlocks-1 && i < len(list)-1 {
			blocks = append(blocks, overflow(len(list)-i, "case", "cases", ""))
			break
		}
		text := caseTitle(c)
		if s := caseSummary(c); s != "" {
			text += "\n" + s
		}
		blocks = append(blocks, section(text))
	}
	return blocks
}

func caseDetailBlocks(c cases.Case, warning string) []slacklib.Block {
	var blocks []slacklib.Block
	if warning != "" {
		blocks = append(blocks, note(warning))
	}
	blocks = append(blocks, section(caseTitle(c)))

	var fields []*slacklib.TextBlockObject
	add := func(name, value string) {
		if value != "" {
			fields = append(fields, markdown(fmt.Sprintf("*%s*\n%s", name, escape(value))))
		}
	}
	add("Status", c.Status)
	add("Priority", c.Priority)
	add("Owner", c.OwnerName)
	if !c.CreatedAt.IsZero() {
		add("Opened", c.CreatedAt.Format(timeFormat))
	}
	if len(fields) > 0 {
		blocks = append(blocks, slacklib.NewSectionBlock(nil, fields, nil))
	}
	if c.Description != "" {
		blocks = append(blocks, section(clip(c.Description, c.DetailURL, maxTextLen)))
	}
	return blocks
}

// byline renders an author with their avatar when Salesforce has one. The
// body is raw text and is clipped to fit next to the name.
func byline(name, avatarURL, lead, body, more string) *slacklib.ContextBlock {
	var elems []slacklib.MixedElement
	if avatarURL != "" {
		elems = append(elems, slacklib.NewImageBlockElement(avatarURL, name))
	}
	prefix := fmt.Sprintf("*%s* %s", escape(name), lead)
	text := prefix + clip(body, more, maxTextLen-utf8.RuneCountInString(prefix))
	elems = append(elems, markdown(text))
	return slacklib.NewContextBlock("", elems...)
}

// threadBlocks renders a case feed. Each item shows its newest
// repliesPerItem comments. Items that would push the message past maxBlocks
// are summarised in a final line linking to caseURL.
func threadBlocks(header, caseURL string, entries []feed.ThreadEntry) []slacklib.Block {
	blocks := []slacklib.Block{section(header)}
	for i, e := range entries {
		var entry []slacklib.Block
		if i > 0 {
			entry = append(entry, slacklib.NewDividerBlock())
		}
		entry = append(entry, byline(e.Item.Author.DisplayName, e.Item.Author.AvatarURL, e.Item.CreatedAt.Format(timeFormat), "", ""))
		if e.Item.Redacted {
			entry = append(entry, section(e.Item.Body))
		} else {
			entry = append(entry, section(clip(e.Item.Body, caseURL, maxTextLen)))
		}
		shown := e.Comments
		if len(shown) > repliesPerItem {
			shown = shown[:repliesPerItem]
		}
		for _, c := range shown {
			entry = append(entry, byline(c.Author.DisplayName, c.Author.AvatarURL, "replied: ", c.Body, caseURL))
		}
		if hidden := len(e.Comments) - len(shown); hidden > 0 {
			entry = append(entry, overflow(hidden, "reply", "replies", caseURL))
		}

		if len(blocks)+len(entry) > maxBlocks-1 {
			blocks = append(blocks, overflow(len(entries)-i, "post", "posts", caseURL))
			break
		}
		blocks = append(blocks, entry...)
	}
	return blocks
}

func articleBlocks(header string, articles []cases.Article) []slacklib.Block {
	blocks := []slacklib.Block{section(header)}
	for i, a := range articles {
		if len(blocks) == maxBlocks-1 && i < len(articles)-1 {
			blocks = append(blocks, overflow(len(articles)-i, "article", "articles", ""))
			break
		}
		text := "*" + link(a.DetailURL, a.Title) + "*"
		if a.Summary != "" {
			text += "\n" + clip(a.Summary, a.DetailURL, maxTextLen-utf8.RuneCountInString(text)-1)
		}
		blocks = append(blocks, section(text))
	}
	return blocks
}
