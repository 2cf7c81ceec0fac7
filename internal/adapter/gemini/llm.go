package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type LLM struct {
	client *genai.Client
	model  string
}

func NewLLM(ctx context.Context, apiKey, model string) (*LLM, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &LLM{client: client, model: model}, nil
}

// Generate produces a single completion for the prompt.
func (l *LLM) Generate(ctx context.Context, prompt string) (string, error) {
	slog.DebugContext(ctx, "generating answer", "model", l.model, "prompt_length", len(prompt))
	gm := l.client.GenerativeModel(l.model)
	res, err := gm.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		slog.ErrorContext(ctx, "generation failed", "error", err)
		return "", err
	}

	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return "", fmt.Errorf("model returned no candidates")
	}

	var answer string
	for _, part := range res.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			answer += string(text)
		}
	}
	if answer == "" {
		return "", fmt.Errorf("model returned no text parts")
	}
	return answer, nil
}

func (l *LLM) Close() error {
	return l.client.Close()
}
