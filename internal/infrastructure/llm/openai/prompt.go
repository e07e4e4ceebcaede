package openai

import (
	"fmt"
	"strings"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionBody struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type batchLine struct {
	CustomID string             `json:"custom_id"`
	Method   string             `json:"method"`
	URL      string             `json:"url"`
	Body     chatCompletionBody `json:"body"`
}

func buildSystemPrompt(schema string) string {
	return fmt.Sprintf(`You are a document processing assistant. Extract information from the provided document
according to the user's instruction and return the result as JSON.

The response must be valid JSON conforming to this schema:
%s

Return only the JSON object, with no additional text or explanation.`, strings.TrimSpace(schema))
}

func buildUserPrompt(instruction, text string) string {
	return fmt.Sprintf("Instruction: %s\n\nDocument content:\n%s", strings.TrimSpace(instruction), text)
}

func (c *Client) buildLine(req domain.ExtractionRequest) batchLine {
	model := strings.TrimSpace(req.ModelID)
	if model == "" {
		model = c.cfg.DefaultModel
	}
	return batchLine{
		CustomID: req.ID,
		Method:   "POST",
		URL:      chatCompletionsEndpoint,
		Body: chatCompletionBody{
			Model: model,
			Messages: []chatMessage{
				{Role: "system", Content: buildSystemPrompt(req.OutputSchema)},
				{Role: "user", Content: buildUserPrompt(req.Instruction, req.NormalizedText)},
			},
			Temperature:    0.1,
			ResponseFormat: responseFormat{Type: "json_object"},
		},
	}
}
