// Package retrieval implements the Retrieval Client: a file-search-backed
// lookup against a fixed vector store, returning ranked snippets with
// source attribution. The chat client is narrowed to a ChatClient
// interface wrapping CreateChatCompletion, so tests can substitute a fake
// without a live network call.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/brokererr"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/session"
)

// ChatClient is the subset of the go-openai client the Retrieval Client
// depends on.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Options struct {
	TopK      int
	Threshold float64
	MaxChars  int
}

func (o Options) normalize() Options {
	if o.TopK <= 0 {
		o.TopK = 2
	}
	if o.TopK > 5 {
		o.TopK = 5
	}
	if o.Threshold <= 0 {
		o.Threshold = 0.3
	}
	if o.MaxChars <= 0 {
		o.MaxChars = 2000
	}
	return o
}

type Client struct {
	chat          ChatClient
	model         string
	vectorStoreID string
}

func New(chat ChatClient, model, vectorStoreID string) *Client {
	return &Client{chat: chat, model: model, vectorStoreID: vectorStoreID}
}

const searchSystemPrompt = `You search a fixed knowledge base and return matching passages only. ` +
	`Respond strictly as JSON matching the provided schema. Do not answer the question directly; ` +
	`return only the passages you found, each with a similarity score between 0 and 1 and the ` +
	`source document they came from.`

var searchResponseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "snippets": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "content":  {"type": "string"},
          "score":    {"type": "number"},
          "file_id":  {"type": "string"},
          "filename": {"type": "string"}
        },
        "required": ["content", "score"]
      }
    }
  },
  "required": ["snippets"]
}`)

type searchResponseBody struct {
	Snippets []struct {
		Content  string  `json:"content"`
		Score    float64 `json:"score"`
		FileID   string  `json:"file_id"`
		Filename string  `json:"filename"`
	} `json:"snippets"`
}

// Search queries the vector store for query and returns snippets scoring at
// or above opts.Threshold, sorted by score descending.
func (c *Client) Search(ctx context.Context, query string, opts Options) ([]session.Snippet, error) {
	opts = opts.normalize()

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: searchSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("vector_store_id: %s\ntop_k: %d\nquery: %s", c.vectorStoreID, opts.TopK, query)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "rag_snippets",
				Schema: searchResponseSchema,
				Strict: true,
			},
		},
	}

	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, brokererr.UpstreamError(0, fmt.Sprintf("retrieval request failed: %v", err))
	}
	if len(resp.Choices) == 0 {
		return nil, brokererr.UpstreamError(0, "retrieval response had no choices")
	}

	content := resp.Choices[0].Message.Content
	snippets, err := parseStructuredSnippets(content)
	if err != nil {
		snippets = mineCitations(resp.Choices[0].Message, opts.Threshold)
	}

	filtered := make([]session.Snippet, 0, len(snippets))
	for _, sn := range snippets {
		if sn.Score < opts.Threshold {
			continue
		}
		sn.Content = truncate(sn.Content, opts.MaxChars)
		filtered = append(filtered, sn)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	if len(filtered) > opts.TopK {
		filtered = filtered[:opts.TopK]
	}
	return filtered, nil
}

func parseStructuredSnippets(content string) ([]session.Snippet, error) {
	var body searchResponseBody
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		return nil, err
	}
	out := make([]session.Snippet, 0, len(body.Snippets))
	for _, s := range body.Snippets {
		out = append(out, session.Snippet{
			Content:  s.Content,
			Score:    s.Score,
			FileID:   s.FileID,
			Filename: s.Filename,
			Source:   s.Filename,
		})
	}
	return out, nil
}

var citationTag = regexp.MustCompile(`\[출처:\s*([^\]]+)\]`)

// mineCitations falls back to scanning free-text content for inline
// "[출처: source]" citation tags when the model ignores the structured
// response format. The text preceding each tag becomes the snippet's
// content; a cited passage is assumed to just clear the confidence bar,
// since the model chose to cite it but gave no score of its own.
func mineCitations(msg openai.ChatCompletionMessage, threshold float64) []session.Snippet {
	var out []session.Snippet
	remaining := msg.Content
	for {
		loc := citationTag.FindStringSubmatchIndex(remaining)
		if loc == nil {
			break
		}
		content := strings.TrimSpace(remaining[:loc[0]])
		source := strings.TrimSpace(remaining[loc[2]:loc[3]])
		if content != "" {
			out = append(out, session.Snippet{
				Content:  content,
				Score:    threshold,
				Filename: source,
				Source:   source,
			})
		}
		remaining = remaining[loc[1]:]
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// FormatContext joins snippets into the "[출처: ...]"-annotated context
// block the Tool Executor hands back to the model. The citation tag leads
// each entry, followed by the snippet content on the next line.
func FormatContext(snippets []session.Snippet) string {
	var b strings.Builder
	for i, sn := range snippets {
		if i > 0 {
			b.WriteString("\n\n")
		}
		tag := sn.FileID
		if tag == "" {
			tag = sn.Source
		}
		if tag == "" {
			tag = sn.Filename
		}
		fmt.Fprintf(&b, "[출처: %s]\n%s", tag, sn.Content)
	}
	return b.String()
}

// SourceIDs extracts the distinct file identifiers backing snippets, used
// for the RAG cache entry's SourceIDs field.
func SourceIDs(snippets []session.Snippet) []string {
	seen := make(map[string]struct{}, len(snippets))
	var ids []string
	for _, sn := range snippets {
		if sn.FileID == "" {
			continue
		}
		if _, ok := seen[sn.FileID]; ok {
			continue
		}
		seen[sn.FileID] = struct{}{}
		ids = append(ids, sn.FileID)
	}
	return ids
}
