package flow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe_prompt_server/internal/store"
	"vibe_prompt_server/internal/types"
)

func seedPrompts(t *testing.T, fx *fixture, owner types.User) {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		category := "coding"
		if i%2 == 1 {
			category = "writing"
		}
		_, err := fx.store.InsertPrompt(context.Background(), types.Prompt{
			UserID:    owner.ID,
			Title:     fmt.Sprintf("Public prompt %d", i),
			Content:   fmt.Sprintf("Shared content number %d", i),
			Category:  category,
			IsPublic:  true,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := fx.store.InsertPrompt(context.Background(), types.Prompt{
		UserID:    owner.ID,
		Title:     "Private Draft",
		Content:   "Only the owner can see this one",
		Category:  "notes",
		CreatedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
}

func TestGallery_AnonymousViewsAreCounted(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	seedPrompts(t, fx, fx.createUser(t, "owner@example.com", 0))
	fx.facade.UseAnonymous()
	g := NewGalleryFlow(fx.facade, fx.store)

	for want := 2; want >= 0; want-- {
		page, err := g.Browse(ctx, nil, Filter{})
		require.NoError(t, err)
		require.Len(t, page.Prompts, AnonymousPageSize)
		assert.Equal(t, "Public prompt 4", page.Prompts[0].Title)
		require.NotNil(t, page.RemainingViews)
		assert.Equal(t, want, *page.RemainingViews)
	}

	_, err := g.Browse(ctx, nil, Filter{})
	require.ErrorIs(t, err, ErrViewLimit)
	assert.Equal(t, 3, fx.local.Read().ViewsUsed)
}

func TestGallery_LoadingRefusesWithoutCounting(t *testing.T) {
	fx := newFixture(t)
	g := NewGalleryFlow(fx.facade, fx.store)

	_, err := g.Browse(context.Background(), nil, Filter{})
	require.ErrorIs(t, err, ErrQuotaLoading)
	assert.Zero(t, fx.local.Read().ViewsUsed)
}

func TestGallery_AnonymousViewerDuringSignOut(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	user := fx.createUser(t, "dave@example.com", 5)
	fx.facade.UseAccount(ctx, user.ID)
	g := NewGalleryFlow(fx.facade, fx.store)

	_, err := g.Browse(ctx, nil, Filter{})
	require.ErrorIs(t, err, ErrQuotaLoading)
}

func TestGallery_SignedInSeesPublicAndOwn(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	owner := fx.createUser(t, "owner@example.com", 5)
	seedPrompts(t, fx, owner)
	fx.facade.UseAccount(ctx, owner.ID)
	g := NewGalleryFlow(fx.facade, fx.store)

	for i := 0; i < 5; i++ {
		page, err := g.Browse(ctx, owner.Identity(), Filter{})
		require.NoError(t, err)
		assert.Len(t, page.Prompts, 6)
		assert.Equal(t, "Private Draft", page.Prompts[0].Title)
		assert.Nil(t, page.RemainingViews)
		assert.Equal(t, []string{"coding", "notes", "writing"}, page.Categories)
	}
	assert.Zero(t, fx.local.Read().ViewsUsed)

	other := fx.createUser(t, "other@example.com", 5)
	fx.facade.UseAccount(ctx, other.ID)
	page, err := g.Browse(ctx, other.Identity(), Filter{})
	require.NoError(t, err)
	assert.Len(t, page.Prompts, 5)
}

func TestGallery_Filters(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	owner := fx.createUser(t, "owner@example.com", 5)
	seedPrompts(t, fx, owner)
	fx.facade.UseAccount(ctx, owner.ID)
	g := NewGalleryFlow(fx.facade, fx.store)

	page, err := g.Browse(ctx, owner.Identity(), Filter{Search: "PRIVATE"})
	require.NoError(t, err)
	require.Len(t, page.Prompts, 1)
	assert.Equal(t, "Private Draft", page.Prompts[0].Title)

	page, err = g.Browse(ctx, owner.Identity(), Filter{Search: "number 3"})
	require.NoError(t, err)
	require.Len(t, page.Prompts, 1)

	page, err = g.Browse(ctx, owner.Identity(), Filter{Category: "writing"})
	require.NoError(t, err)
	assert.Len(t, page.Prompts, 2)
	assert.Len(t, page.Categories, 3, "categories come from the unfiltered list")
}

func TestGallery_Save(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	owner := fx.createUser(t, "owner@example.com", 5)
	g := NewGalleryFlow(fx.facade, fx.store)

	valid := SaveRequest{
		Title:    "  Code Review <Helper>  ",
		Content:  "Act as a meticulous reviewer of Go code.",
		Category: "coding",
		Tags:     []string{"go", " go ", "", "review"},
	}

	_, err := g.Save(ctx, nil, valid)
	require.ErrorIs(t, err, ErrSignInRequired)

	saved, err := g.Save(ctx, owner.Identity(), valid)
	require.NoError(t, err)
	assert.Equal(t, "Code Review Helper", saved.Title)
	assert.Equal(t, []string{"go", "review"}, saved.Tags)
	assert.True(t, saved.IsPublic)
	assert.Equal(t, owner.ID, saved.UserID)

	private := false
	req := valid
	req.IsPublic = &private
	saved, err = g.Save(ctx, owner.Identity(), req)
	require.NoError(t, err)
	assert.False(t, saved.IsPublic)
}

func TestGallery_SaveValidation(t *testing.T) {
	fx := newFixture(t)
	owner := fx.createUser(t, "owner@example.com", 5)
	g := NewGalleryFlow(fx.facade, fx.store)

	base := SaveRequest{Title: "Good title", Content: "Long enough content", Category: "coding"}
	cases := []struct {
		name  string
		field string
		edit  func(*SaveRequest)
	}{
		{"short title", "title", func(r *SaveRequest) { r.Title = "ab" }},
		{"long title", "title", func(r *SaveRequest) { r.Title = strings.Repeat("t", 101) }},
		{"sql in title", "title", func(r *SaveRequest) { r.Title = "x'; DROP TABLE prompts" }},
		{"short content", "content", func(r *SaveRequest) { r.Content = "too short" }},
		{"long content", "content", func(r *SaveRequest) { r.Content = strings.Repeat("c", 5001) }},
		{"missing category", "category", func(r *SaveRequest) { r.Category = " " }},
		{"long category", "category", func(r *SaveRequest) { r.Category = strings.Repeat("k", 51) }},
		{"too many tags", "tags", func(r *SaveRequest) { r.Tags = []string{"a", "b", "c", "d", "e", "f"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.edit(&req)
			_, err := g.Save(context.Background(), owner.Identity(), req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestGallery_DeleteOwnOnly(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	owner := fx.createUser(t, "owner@example.com", 5)
	other := fx.createUser(t, "other@example.com", 5)
	g := NewGalleryFlow(fx.facade, fx.store)

	saved, err := g.Save(ctx, owner.Identity(), SaveRequest{Title: "Mine", Content: "Owned by the owner", Category: "notes"})
	require.NoError(t, err)

	require.ErrorIs(t, g.Delete(ctx, nil, saved.ID), ErrSignInRequired)
	require.ErrorIs(t, g.Delete(ctx, other.Identity(), saved.ID), store.ErrNotFound)
	require.NoError(t, g.Delete(ctx, owner.Identity(), saved.ID))
	require.ErrorIs(t, g.Delete(ctx, owner.Identity(), uuid.New()), store.ErrNotFound)
}
