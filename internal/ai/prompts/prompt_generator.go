package prompts

import (
	"fmt"
	"strings"
)

const DefaultCategory = "general use"

// GetPromptGenerationPrompt builds the instruction sent to the model for one
// user request.
func GetPromptGenerationPrompt(userInput, category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		category = DefaultCategory
	}
	return fmt.Sprintf(promptGenerationTemplate, category, strings.TrimSpace(userInput))
}

const promptGenerationTemplate = `You are an expert AI prompt engineer. Generate a high-quality, detailed prompt based on the user's input.

Guidelines:
- Make it clear, specific, and actionable
- Include relevant context and constraints
- Optimize for %s
- Keep it between 50-300 words
- Output ONLY the generated prompt, no explanations

User's request: %s`
