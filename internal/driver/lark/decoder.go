package lark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// contentMention is one @-mention attached to a Lark message. The webhook
// payload carries the id as an object while the message fetch API carries it
// as a bare string, so mentionID accepts both shapes.
type contentMention struct {
	Key  string    `json:"key"`
	Name string    `json:"name"`
	ID   mentionID `json:"id"`
}

type mentionID struct {
	OpenID string
}

func (m *mentionID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &m.OpenID)
	}

	var obj struct {
		OpenID string `json:"open_id"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	m.OpenID = obj.OpenID

	return nil
}

type textContent struct {
	Text string `json:"text"`
}

type postContent struct {
	Title   string        `json:"title"`
	Content [][]postBlock `json:"content"`
}

type postBlock struct {
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Href     string `json:"href"`
}

// DecodeContent converts Lark message content JSON into plain text.
// Mention placeholder keys are replaced with "@Name" so downstream text
// handling never sees platform keys. Unsupported message types decode to an
// empty string rather than an error so the pipeline can skip them.
func DecodeContent(msgType, content string, mentions []contentMention) (string, error) {
	switch msgType {
	case msgTypeText:
		return decodeTextContent(content, mentions)
	case "post":
		return decodePostContent(content)
	default:
		return "", nil
	}
}

func decodeTextContent(content string, mentions []contentMention) (string, error) {
	var parsed textContent
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return "", fmt.Errorf("decode text content: %w", err)
	}

	text := parsed.Text
	for _, mention := range mentions {
		if mention.Key == "" || mention.Name == "" {
			continue
		}
		text = strings.ReplaceAll(text, mention.Key, "@"+mention.Name)
	}

	return strings.TrimSpace(text), nil
}

func decodePostContent(content string) (string, error) {
	var parsed postContent
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return "", fmt.Errorf("decode post content: %w", err)
	}

	var builder strings.Builder
	if parsed.Title != "" {
		builder.WriteString(parsed.Title)
		builder.WriteString("\n")
	}
	for lineIndex, line := range parsed.Content {
		if lineIndex > 0 {
			builder.WriteString("\n")
		}
		for _, block := range line {
			switch block.Tag {
			case "text":
				builder.WriteString(block.Text)
			case "a":
				builder.WriteString(block.Text)
				if block.Href != "" {
					builder.WriteString(" (")
					builder.WriteString(block.Href)
					builder.WriteString(")")
				}
			case "at":
				name := block.UserName
				if name == "" {
					name = block.UserID
				}
				builder.WriteString("@")
				builder.WriteString(name)
			}
		}
	}

	return strings.TrimSpace(builder.String()), nil
}

// mentionsBot reports whether any mention targets the given bot open id.
func mentionsBot(mentions []contentMention, botOpenID string) bool {
	if botOpenID == "" {
		return false
	}
	for _, mention := range mentions {
		if mention.ID.OpenID == botOpenID {
			return true
		}
	}

	return false
}
