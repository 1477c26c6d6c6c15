// Package gemini talks to the Gemini API and maps its failures onto
// the application error taxonomy.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/oukeidos/folio/internal/apperrors"
	"github.com/oukeidos/folio/internal/httpclient"
	"google.golang.org/api/option"
)

// Client handles communication with the Gemini API.
type Client struct {
	client    *genai.Client
	modelName string
}

// NewClient creates a new Gemini client.
func NewClient(ctx context.Context, apiKey string, modelName string) (*Client, error) {
	// Note: We avoid option.WithHTTPClient because it interferes with
	// the genai library's internal header injection for API keys,
	// causing 403 errors. Timeouts are enforced via context instead.
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	return &Client{
		client:    client,
		modelName: modelName,
	}, nil
}

// Close closes the underlying genai client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Translator is the model-facing port. The worker depends on it so
// tests can substitute a scripted implementation.
type Translator interface {
	Translate(ctx context.Context, request Request) (*Response, error)
}

var _ Translator = (*Client)(nil)

// Translate sends one chunk to Gemini and returns the translated text
// with usage accounting.
func (c *Client) Translate(ctx context.Context, request Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, httpclient.DefaultTimeout)
	defer cancel()

	// A fresh model per call keeps concurrent translations from racing
	// on the shared system instruction.
	model := c.client.GenerativeModel(c.modelName)
	model.ResponseMIMEType = "text/plain"
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction(request.TargetLanguage, request.Tone))},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(BuildPrompt(request)))
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	text, err := extractResponseText(resp)
	if err != nil {
		return nil, apperrors.Validation(err)
	}

	out := &Response{TranslatedText: text}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokenCount:     int(resp.UsageMetadata.PromptTokenCount),
			CandidatesTokenCount: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokenCount:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// systemInstruction pins the model to the translation task. The
// constraints mirror what the assembler relies on: paragraph structure
// preserved, nothing but the translation in the output.
func systemInstruction(language, tone string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional literary translator. Translate the user's text into %s", language)
	switch tone {
	case "formal":
		b.WriteString(" using a formal, polite register")
	case "informal":
		b.WriteString(" using an informal, conversational register")
	}
	b.WriteString(". Preserve the paragraph breaks and line structure of the source exactly. ")
	b.WriteString("Output only the translated text with no commentary, headings or notes.")
	return b.String()
}

// BuildPrompt assembles the chunk payload. The context block carries
// the tail of the previous chunk so names and terms stay consistent
// across chunk boundaries; it is explicitly excluded from the output.
func BuildPrompt(request Request) string {
	if request.PreviousSummary == "" {
		return request.SourceText
	}
	var b strings.Builder
	b.WriteString("[Context from the preceding passage, for terminology and continuity only. Do not include it in the translation.]\n")
	b.WriteString(request.PreviousSummary)
	b.WriteString("\n[End of context. Translate everything below this line.]\n")
	b.WriteString(request.SourceText)
	return b.String()
}

func extractResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("no response received from Gemini")
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from Gemini")
	}
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
			continue
		}
		var combined string
		for _, part := range candidate.Content.Parts {
			text, ok := part.(genai.Text)
			if !ok {
				continue
			}
			combined += string(text)
		}
		if combined != "" {
			return combined, nil
		}
	}
	return "", fmt.Errorf("no text parts found in Gemini response")
}
