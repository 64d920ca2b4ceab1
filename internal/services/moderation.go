package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// PromptScreener vets a prompt before any provider quota is spent on it.
// A refusal is returned as a *ContentPolicyError.
type PromptScreener interface {
	Screen(ctx context.Context, prompt string) error
}

type moderationClient interface {
	Moderations(ctx context.Context, request openai.ModerationRequest) (openai.ModerationResponse, error)
}

// OpenAIModerator screens prompts with the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client moderationClient
}

func NewOpenAIModerator(apiKey string) *OpenAIModerator {
	return &OpenAIModerator{
		client: openai.NewClient(apiKey),
	}
}

func (m *OpenAIModerator) Screen(ctx context.Context, prompt string) error {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{Input: prompt})
	if err != nil {
		return fmt.Errorf("moderation request failed: %w", err)
	}

	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		reasons := flaggedCategories(r.Categories)
		log.Printf("[Moderation] Prompt flagged (categories=%v)", reasons)
		return &ContentPolicyError{Provider: "openai-moderation", Reasons: reasons}
	}
	return nil
}

// flaggedCategories lists the category names set to true, sorted.
func flaggedCategories(c openai.ResultCategories) []string {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}

	var out []string
	for name, flagged := range m {
		if flagged {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
