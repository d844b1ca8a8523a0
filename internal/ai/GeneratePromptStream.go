package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/ai/prompts"
	"vibe_prompt_server/internal/utils"
)

// GeneratePromptStream starts a streamed generation for the user's request.
// A provider that fails before producing text is retried once on a transient
// error and then skipped; once text has been delivered a failure is final.
func (g *Generator) GeneratePromptStream(ctx context.Context, userInput, category string) (*Stream, error) {
	if strings.TrimSpace(userInput) == "" {
		return nil, ErrEmptyInput
	}
	if !g.Available() {
		return nil, ErrNoProvider
	}

	var cancel context.CancelFunc
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	s := newStream(cancel)
	go g.run(ctx, s, prompts.GetPromptGenerationPrompt(userInput, category))
	return s, nil
}

func (g *Generator) run(ctx context.Context, s *Stream, prompt string) {
	var (
		text    strings.Builder
		emitted bool
	)
	emit := func(delta string) error {
		if delta == "" {
			return nil
		}
		text.WriteString(delta)
		emitted = true
		snapshot := text.String()
		s.setText(snapshot)
		select {
		case s.updates <- snapshot:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var failures []error
	for _, p := range g.providers {
		for attempt := 1; ; attempt++ {
			err := p.Stream(ctx, prompt, emit)
			if err == nil && !emitted {
				err = ErrEmptyResponse
			}
			if err == nil {
				s.finish(p.Name(), nil)
				return
			}
			if emitted || ctx.Err() != nil {
				log.WithError(err).Warnf("ai: %s stream aborted", p.Name())
				s.finish(p.Name(), fmt.Errorf("%w: %s: %w", ErrInterrupted, p.Name(), err))
				return
			}
			if attempt == 1 && utils.ShouldRetry(err) {
				log.WithError(err).Warnf("ai: %s call failed, retrying once after delay", p.Name())
				if !sleepCtx(ctx, g.retryDelay) {
					s.finish(p.Name(), fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err()))
					return
				}
				continue
			}
			log.WithError(err).Warnf("ai: %s failed, trying next provider", p.Name())
			failures = append(failures, fmt.Errorf("%s: %w", p.Name(), err))
			break
		}
	}
	s.finish("", fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(failures...)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
