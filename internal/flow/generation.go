package flow

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/ai"
	"vibe_prompt_server/internal/ai/prompts"
	"vibe_prompt_server/internal/kv"
	"vibe_prompt_server/internal/quota"
)

const (
	// LastPromptKey holds the last prompt generated on an anonymous device.
	LastPromptKey = "vibe_last_prompt"

	MaxInputLength = 2000
)

// GenerationQuota is the part of the quota facade the generation flow uses.
type GenerationQuota interface {
	Mode() quota.Mode
	CanGenerate() bool
	ConsumeGeneration(ctx context.Context) bool
	RemainingGenerations() int
	Refresh(ctx context.Context)
}

type PromptGenerator interface {
	GeneratePromptStream(ctx context.Context, userInput, category string) (*ai.Stream, error)
}

type GenerateRequest struct {
	Input    string `json:"input"`
	Category string `json:"category"`
	Stream   bool   `json:"stream"`
}

// Generation is a paid-for generation in progress.
type Generation struct {
	*ai.Stream
	Input         string
	Category      string
	Authenticated bool
}

type Summary struct {
	Prompt        string `json:"prompt"`
	Provider      string `json:"provider,omitempty"`
	Remaining     int    `json:"remaining"`
	Authenticated bool   `json:"authenticated"`
}

// LastPrompt is the device-local backup of an anonymous generation.
type LastPrompt struct {
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	UserInput string    `json:"userInput"`
	Timestamp time.Time `json:"timestamp"`
}

type GenerationFlow struct {
	quota     GenerationQuota
	generator PromptGenerator
	storage   kv.Storage
	now       func() time.Time
}

func NewGenerationFlow(q GenerationQuota, generator PromptGenerator, storage kv.Storage) *GenerationFlow {
	return &GenerationFlow{quota: q, generator: generator, storage: storage, now: time.Now}
}

// Start checks the quota, spends one unit and starts the generation. The unit
// is spent before the model is called and is not returned if generation
// fails afterwards.
func (f *GenerationFlow) Start(ctx context.Context, req GenerateRequest) (*Generation, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return nil, invalid("input", "please describe what kind of prompt you need")
	}
	if utf8.RuneCountInString(input) > MaxInputLength {
		return nil, invalid("input", "must be at most %d characters", MaxInputLength)
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = prompts.DefaultCategory
	}

	mode := f.quota.Mode()
	if mode == quota.ModeLoading {
		return nil, ErrQuotaLoading
	}
	authenticated := mode == quota.ModeAuthenticated
	if authenticated && !f.quota.CanGenerate() {
		// the cached balance may be missing after a failed fetch
		f.quota.Refresh(ctx)
		if f.quota.Mode() == quota.ModeLoading {
			return nil, ErrQuotaLoading
		}
	}
	if !f.quota.CanGenerate() {
		return nil, &QuotaExhaustedError{Authenticated: authenticated}
	}
	if !f.quota.ConsumeGeneration(ctx) {
		return nil, ErrCreditNotDeducted
	}

	stream, err := f.generator.GeneratePromptStream(ctx, input, category)
	if err != nil {
		log.WithError(err).Warn("flow: generation failed to start after the unit was spent")
		return nil, err
	}
	return &Generation{
		Stream:        stream,
		Input:         input,
		Category:      category,
		Authenticated: authenticated,
	}, nil
}

// Finish waits for the generation to end and reports what is left. Anonymous
// devices also keep the text as their last prompt. The generation's error,
// if any, is available from gen.Err.
func (f *GenerationFlow) Finish(gen *Generation) Summary {
	text, err := gen.Wait()
	text = strings.TrimSpace(text)
	if err == nil && text != "" && !gen.Authenticated {
		f.storeLastPrompt(LastPrompt{
			Content:   text,
			Category:  gen.Category,
			UserInput: gen.Input,
			Timestamp: f.now().UTC(),
		})
	}
	return Summary{
		Prompt:        text,
		Provider:      gen.Provider(),
		Remaining:     f.quota.RemainingGenerations(),
		Authenticated: gen.Authenticated,
	}
}

// LastPrompt returns the stored backup, if any.
func (f *GenerationFlow) LastPrompt() (LastPrompt, bool) {
	if f.storage == nil {
		return LastPrompt{}, false
	}
	raw, ok := f.storage.Get(LastPromptKey)
	if !ok {
		return LastPrompt{}, false
	}
	var lp LastPrompt
	if err := json.Unmarshal([]byte(raw), &lp); err != nil {
		return LastPrompt{}, false
	}
	return lp, true
}

func (f *GenerationFlow) storeLastPrompt(lp LastPrompt) {
	if f.storage == nil {
		return
	}
	raw, err := json.Marshal(lp)
	if err != nil {
		return
	}
	if err := f.storage.Set(LastPromptKey, string(raw)); err != nil {
		log.WithError(err).Warn("flow: store last prompt failed")
	}
}
