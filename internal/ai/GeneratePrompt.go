package ai

import (
	"context"
	"strings"
)

// GeneratePrompt returns the complete generated prompt.
func (g *Generator) GeneratePrompt(ctx context.Context, userInput, category string) (string, error) {
	s, err := g.GeneratePromptStream(ctx, userInput, category)
	if err != nil {
		return "", err
	}
	text, err := s.Wait()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
