package sessionstore

import (
	"testing"

	"github.com/agentgw/agentgw/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestListOptionsClamp(t *testing.T) {
	cases := []struct {
		in       ListOptions
		wantPage int
		wantSize int
	}{
		{ListOptions{Page: 0, PageSize: 0}, 1, 1},
		{ListOptions{Page: -5, PageSize: -5}, 1, 1},
		{ListOptions{Page: 3, PageSize: 50}, 3, 50},
		{ListOptions{Page: 1, PageSize: 5000}, 1, 1000},
		{ListOptions{Page: 1, PageSize: 1000}, 1, 1000},
	}
	for _, c := range cases {
		got := c.in.clamp()
		assert.Equal(t, c.wantPage, got.Page)
		assert.Equal(t, c.wantSize, got.PageSize)
	}
}

func TestMatchesSearch(t *testing.T) {
	sess := models.Session{ID: "abc-123", Title: "Refactor Billing Module"}

	assert.True(t, matchesSearch(sess, ""))
	assert.True(t, matchesSearch(sess, "billing"))
	assert.True(t, matchesSearch(sess, "BILLING"))
	assert.True(t, matchesSearch(sess, "abc-123"))
	assert.False(t, matchesSearch(sess, "nonexistent"))
}

func TestHasAllTags(t *testing.T) {
	have := []string{"prod", "urgent", "billing"}
	assert.True(t, hasAllTags(have, nil))
	assert.True(t, hasAllTags(have, []string{"prod"}))
	assert.True(t, hasAllTags(have, []string{"prod", "billing"}))
	assert.False(t, hasAllTags(have, []string{"prod", "staging"}))
}

func TestEqualFold(t *testing.T) {
	assert.True(t, equalFold("Billing", "billing"))
	assert.True(t, equalFold("ABC", "abc"))
	assert.False(t, equalFold("ABC", "abd"))
	assert.False(t, equalFold("AB", "ABC"))
}
