package flow

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"vibe_prompt_server/internal/quota"
	"vibe_prompt_server/internal/types"
	"vibe_prompt_server/internal/utils"
)

const (
	// AnonymousPageSize caps the prompts an anonymous visitor sees per view.
	AnonymousPageSize = 3
	MaxTags           = 5
)

type ViewQuota interface {
	Mode() quota.Mode
	CanView() bool
	ConsumeView() bool
	RemainingViews() (int, bool)
}

type PromptStore interface {
	InsertPrompt(ctx context.Context, p types.Prompt) (types.Prompt, error)
	ListPrompts(ctx context.Context, q types.PromptQuery) ([]types.Prompt, error)
	DeletePrompt(ctx context.Context, id, owner uuid.UUID) error
}

type Filter struct {
	Search   string
	Category string
}

type Page struct {
	Prompts    []types.Prompt `json:"prompts"`
	Categories []string       `json:"categories"`
	// RemainingViews is nil for signed-in viewers.
	RemainingViews *int `json:"remaining_views,omitempty"`
}

type SaveRequest struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	IsPublic *bool    `json:"is_public"`
}

type GalleryFlow struct {
	quota ViewQuota
	store PromptStore
}

func NewGalleryFlow(q ViewQuota, st PromptStore) *GalleryFlow {
	return &GalleryFlow{quota: q, store: st}
}

// Browse lists the prompts visible to viewer. A nil viewer is anonymous: each
// call counts as one view and returns at most AnonymousPageSize public prompts.
func (g *GalleryFlow) Browse(ctx context.Context, viewer *types.Identity, filter Filter) (*Page, error) {
	mode := g.quota.Mode()
	if mode == quota.ModeLoading {
		return nil, ErrQuotaLoading
	}

	q := types.PromptQuery{}
	if viewer == nil {
		// identity and quota disagree while a sign-out is being applied
		if mode != quota.ModeAnonymous {
			return nil, ErrQuotaLoading
		}
		if !g.quota.CanView() || !g.quota.ConsumeView() {
			return nil, ErrViewLimit
		}
		q.Limit = AnonymousPageSize
	} else {
		q.ViewerID = viewer.ID
	}

	all, err := g.store.ListPrompts(ctx, q)
	if err != nil {
		return nil, err
	}
	page := &Page{
		Prompts:    applyFilter(all, filter),
		Categories: categories(all),
	}
	if remaining, bounded := g.quota.RemainingViews(); bounded && viewer == nil {
		page.RemainingViews = &remaining
	}
	return page, nil
}

// Save stores a prompt owned by viewer. Prompts are public unless the request
// says otherwise.
func (g *GalleryFlow) Save(ctx context.Context, viewer *types.Identity, req SaveRequest) (types.Prompt, error) {
	if viewer == nil {
		return types.Prompt{}, ErrSignInRequired
	}
	p, err := validatePrompt(req)
	if err != nil {
		return types.Prompt{}, err
	}
	p.UserID = viewer.ID
	return g.store.InsertPrompt(ctx, p)
}

// Delete removes one of viewer's own prompts.
func (g *GalleryFlow) Delete(ctx context.Context, viewer *types.Identity, id uuid.UUID) error {
	if viewer == nil {
		return ErrSignInRequired
	}
	return g.store.DeletePrompt(ctx, id, viewer.ID)
}

func validatePrompt(req SaveRequest) (types.Prompt, error) {
	title := utils.SanitizeInput(req.Title)
	switch n := utf8.RuneCountInString(title); {
	case n < 3:
		return types.Prompt{}, invalid("title", "must be at least 3 characters")
	case n > 100:
		return types.Prompt{}, invalid("title", "must be less than 100 characters")
	}
	if utils.HasSQLInjection(title) {
		return types.Prompt{}, invalid("title", "contains invalid characters")
	}

	content := strings.TrimSpace(req.Content)
	switch n := utf8.RuneCountInString(content); {
	case n < 10:
		return types.Prompt{}, invalid("content", "must be at least 10 characters")
	case n > 5000:
		return types.Prompt{}, invalid("content", "must be less than 5000 characters")
	}

	category := strings.TrimSpace(req.Category)
	if category == "" {
		return types.Prompt{}, invalid("category", "is required")
	}
	if utf8.RuneCountInString(category) > 50 {
		return types.Prompt{}, invalid("category", "is too long")
	}

	tags := make([]string, 0, len(req.Tags))
	seen := map[string]bool{}
	for _, tag := range req.Tags {
		tag = utils.SanitizeInput(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	if len(tags) > MaxTags {
		return types.Prompt{}, invalid("tags", "at most %d tags are allowed", MaxTags)
	}

	public := true
	if req.IsPublic != nil {
		public = *req.IsPublic
	}
	return types.Prompt{
		Title:    title,
		Content:  content,
		Category: category,
		Tags:     tags,
		IsPublic: public,
	}, nil
}

func applyFilter(prompts []types.Prompt, filter Filter) []types.Prompt {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	category := strings.TrimSpace(filter.Category)
	out := make([]types.Prompt, 0, len(prompts))
	for _, p := range prompts {
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Title), search) &&
			!strings.Contains(strings.ToLower(p.Content), search) {
			continue
		}
		if category != "" && p.Category != category {
			continue
		}
		out = append(out, p)
	}
	return out
}

func categories(prompts []types.Prompt) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, p := range prompts {
		if p.Category == "" || seen[p.Category] {
			continue
		}
		seen[p.Category] = true
		out = append(out, p.Category)
	}
	sort.Strings(out)
	return out
}
