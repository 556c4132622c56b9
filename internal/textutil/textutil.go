// Package textutil cleans inbound message text and rewrites outbound
// @-mentions into platform mention syntax.
package textutil

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	maxCleanLength   = 10000
	maxUnwrapDepth   = 10
	mentionMarkerSet = "*_~`"
)

// componentEcho matches a whole string that is one serialized rich-text
// component echoed back by a model, e.g. [Plain(text='hello')].
var componentEcho = regexp.MustCompile(`^\[?Plain\(text=(?:'(.*)'|"(.*)")\)\]?$`)

// Clean normalizes one message body for history and prompts.
//
// Oversized input is truncated, and strings that are nothing but a serialized
// component wrapper are unwrapped, bounded in depth so pathological nesting
// cannot loop.
func Clean(text string) string {
	cleaned := strings.TrimSpace(text)
	if len(cleaned) > maxCleanLength {
		// Back the cut up to a rune boundary so truncation never emits a
		// partial UTF-8 sequence.
		cut := maxCleanLength
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}

	for range maxUnwrapDepth {
		match := componentEcho.FindStringSubmatch(cleaned)
		if match == nil {
			break
		}
		inner := match[1]
		if inner == "" {
			inner = match[2]
		}
		cleaned = strings.TrimSpace(inner)
	}

	return cleaned
}

// MentionPattern compiles an @-mention matcher over the given display names.
//
// Longer names take precedence so "@Aoi Haruno" never matches as "@Aoi", and
// markdown markers between the @ and the name are tolerated because models
// like to bold mentions.
func MentionPattern(names []string) (*regexp.Regexp, error) {
	unique := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("mention pattern: no usable names")
	}

	sort.Slice(unique, func(i, j int) bool {
		if len(unique[i]) != len(unique[j]) {
			return len(unique[i]) > len(unique[j])
		}
		return unique[i] < unique[j]
	})
	quoted := make([]string, len(unique))
	for i, name := range unique {
		quoted[i] = regexp.QuoteMeta(name)
	}

	pattern, err := regexp.Compile(
		`@([` + regexp.QuoteMeta(mentionMarkerSet) + `]{0,2})(` + strings.Join(quoted, "|") + `)([` +
			regexp.QuoteMeta(mentionMarkerSet) + `]{0,2})`,
	)
	if err != nil {
		return nil, fmt.Errorf("mention pattern: %w", err)
	}

	return pattern, nil
}

// RewriteMentions replaces @Name spans with platform mention tags.
//
// Names that resolve through idFor become <at> tags with surrounding markdown
// markers dropped; unresolved names are left untouched.
func RewriteMentions(text string, pattern *regexp.Regexp, idFor func(name string) (string, bool)) string {
	if pattern == nil || idFor == nil {
		return text
	}

	return pattern.ReplaceAllStringFunc(text, func(span string) string {
		match := pattern.FindStringSubmatch(span)
		if match == nil {
			return span
		}
		name := match[2]
		id, found := idFor(name)
		if !found {
			return span
		}

		return `<at user_id="` + id + `">` + name + `</at>`
	})
}
