package respond

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/callbridge-labs/callbridge-core/internal/dialog"
)

type ollamaGenerator struct {
	endpoint string
}

func NewOllamaGenerator(endpoint string) Generator {
	return &ollamaGenerator{endpoint: endpoint}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// buildPrompt flattens the dialogue window into a transcript-style prompt.
func buildPrompt(turns []dialog.Turn, utterance string) string {
	var b strings.Builder
	for _, t := range turns {
		switch t.Speaker {
		case dialog.SpeakerCaller:
			b.WriteString("Caller: ")
		case dialog.SpeakerSystem:
			b.WriteString("Assistant: ")
		}
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("Caller: ")
	b.WriteString(utterance)
	b.WriteString("\nAssistant:")
	return b.String()
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload := ollamaRequest{
		Model:  req.Model,
		Prompt: buildPrompt(req.Context, req.Utterance),
		System: req.System,
		Stream: true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return err
		}
		if chunk.Response == "" && !chunk.Done {
			continue
		}
		if err := consumer(Chunk{Text: chunk.Response, Final: chunk.Done}); err != nil {
			return err
		}
	}
	return scanner.Err()
}
