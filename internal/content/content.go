package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	mentionRegex  = regexp.MustCompile(`@([a-zA-Z0-9._-]+)`)

	markdown = goldmark.New(
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
)

func init() {
	// Mention highlighting wraps tokens in spans after sanitizing, so
	// the span class has to survive the policy.
	policy.AllowAttrs("class").Matching(regexp.MustCompile(`^mention$`)).OnElements("span")
}

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// Mentions extracts every @token from the text as a lowercased set.
// Tokens are alphanumerics plus dot, dash and underscore.
func Mentions(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, m := range mentionRegex.FindAllStringSubmatch(text, -1) {
		tokens[strings.ToLower(m[1])] = true
	}
	return tokens
}

// MentionsUser reports whether the text mentions the given display
// name, matching the raw text case-insensitively.
func MentionsUser(text, displayName string) bool {
	if displayName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(displayName))
}

// RenderMessage renders message text for display: markdown converted
// inline, unsafe HTML stripped, @mentions wrapped for emphasis.
func RenderMessage(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render message: %w", err)
	}

	rendered := mentionRegex.ReplaceAllString(buf.String(), `<span class="mention">@$1</span>`)
	return template.HTML(policy.Sanitize(rendered)), nil
}
