package lark

import "encoding/json"

const typingIndicator = "◉ *typing...*"

type cardElement struct {
	Tag     string `json:"tag"`
	Content string `json:"content,omitempty"`
}

type cardBody struct {
	Elements []cardElement `json:"elements"`
}

type card struct {
	Schema string         `json:"schema"`
	Config map[string]any `json:"config"`
	Body   cardBody       `json:"body"`
}

// streamingCard renders the interactive card JSON for one reply in progress.
// Unfinished cards carry a typing indicator below the text.
func streamingCard(text string, finished bool) string {
	elements := make([]cardElement, 0, 2)
	if text != "" {
		elements = append(elements, cardElement{Tag: "markdown", Content: text})
	}
	if !finished {
		elements = append(elements, cardElement{Tag: "markdown", Content: typingIndicator})
	}
	if len(elements) == 0 {
		elements = append(elements, cardElement{Tag: "markdown", Content: typingIndicator})
	}

	encoded, err := json.Marshal(card{
		Schema: "2.0",
		Config: map[string]any{"wide_screen_mode": true},
		Body:   cardBody{Elements: elements},
	})
	if err != nil {
		return `{"schema":"2.0"}`
	}

	return string(encoded)
}
