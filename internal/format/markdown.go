// Package format turns the small Markdown subset used in bot messages into
// Telegram message entities.
package format

import (
	"regexp"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ParseResult is plain text plus the entities that style it.
type ParseResult struct {
	Text     string
	Entities []tgbotapi.MessageEntity
}

var (
	headerRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+?)$`)
	boldRe   = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	codeRe   = regexp.MustCompile("`([^`]+?)`")
	starRe   = regexp.MustCompile(`(?:^|[^*])\*([^*\n]+?)\*(?:[^*]|$)`)
	underRe  = regexp.MustCompile(`(?:^|[^_\w])_([^_\n]+?)_(?:[^_\w]|$)`)
)

// UTF16Len is the length of s in UTF-16 code units, the unit Telegram uses
// for entity offsets.
func UTF16Len(s string) int {
	n := 0
	for _, b := range []byte(s) {
		if b&0xc0 == 0x80 {
			continue
		}
		if b >= 0xf0 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// ParseMarkdown strips the markers and returns matching entities:
// **bold** or __bold__, `code`, *italic* or _italic_, and "# header"
// lines, which become bold.
func ParseMarkdown(text string) ParseResult {
	var entities []tgbotapi.MessageEntity
	result := headerRe.ReplaceAllString(text, "**$2**")

	// strip removes the markers around result[innerStart:innerEnd] and
	// moves entities found earlier back by the removed width.
	strip := func(kind string, start, innerStart, innerEnd, end int) {
		prefix := UTF16Len(result[start:innerStart])
		suffix := UTF16Len(result[innerEnd:end])
		innerU := UTF16Len(result[:innerStart])
		endU := UTF16Len(result[:end])
		for i := range entities {
			switch {
			case entities[i].Offset >= endU:
				entities[i].Offset -= prefix + suffix
			case entities[i].Offset >= innerU:
				entities[i].Offset -= prefix
			}
		}
		entities = append(entities, tgbotapi.MessageEntity{
			Type:   kind,
			Offset: UTF16Len(result[:start]),
			Length: UTF16Len(result[innerStart:innerEnd]),
		})
		result = result[:start] + result[innerStart:innerEnd] + result[end:]
	}

	for {
		loc := boldRe.FindStringSubmatchIndex(result)
		if loc == nil {
			break
		}
		if loc[2] != -1 {
			strip("bold", loc[0], loc[2], loc[3], loc[1])
		} else {
			strip("bold", loc[0], loc[4], loc[5], loc[1])
		}
	}

	// Code before italic so underscores inside code survive.
	for {
		loc := codeRe.FindStringSubmatchIndex(result)
		if loc == nil {
			break
		}
		strip("code", loc[0], loc[2], loc[3], loc[1])
	}

	italic := func(re *regexp.Regexp) {
		from := 0
		for from < len(result) {
			loc := re.FindStringSubmatchIndex(result[from:])
			if loc == nil {
				return
			}
			// The group excludes the surrounding markers.
			innerStart, innerEnd := from+loc[2], from+loc[3]
			strip("italic", innerStart-1, innerStart, innerEnd, innerEnd+1)
			from = innerEnd - 1
		}
	}
	italic(starRe)
	italic(underRe)

	sort.SliceStable(entities, func(i, j int) bool { return entities[i].Offset < entities[j].Offset })

	return ParseResult{
		Text:     strings.TrimRight(result, " \n"),
		Entities: entities,
	}
}
