package git

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBranchSlug(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple", "Add login page", "add-login-page"},
		{"punctuation", "Fix: user's cart (v2)!", "fix-user-s-cart-v2"},
		{"leading and trailing junk", "--Weird name--", "weird-name"},
		{"unicode collapsed", "café menü", "caf-men"},
		{"empty", "", ""},
		{"only junk", "!!!", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, BranchSlug(tc.input))
		})
	}
}

func TestBranchSlugShape(t *testing.T) {
	shape := regexp.MustCompile(`^[a-z0-9-]{0,50}$`)

	inputs := []string{
		"Add login page",
		strings.Repeat("very long feature name ", 10),
		"UPPER CASE ONLY",
		"trailing hyphen exactly at the truncation boundary!!",
		"a--b---c",
		"---",
	}

	for _, input := range inputs {
		slug := BranchSlug(input)
		assert.Regexp(t, shape, slug, "input %q", input)
		assert.False(t, strings.HasPrefix(slug, "-"), "input %q", input)
		assert.False(t, strings.HasSuffix(slug, "-"), "input %q", input)
		assert.NotContains(t, slug, "--", "input %q", input)
		assert.LessOrEqual(t, len(slug), 50, "input %q", input)
	}
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "feature/7-add-login-page", BranchName(7, "Add login page"))
	assert.Equal(t, "feature/12-", BranchName(12, "!!!"))
}
