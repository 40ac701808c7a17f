package content

import (
	"strings"
	"testing"

	"studyhall/internal/models"
)

func TestValidateUsername(t *testing.T) {
	valid := []string{"alice", "bob.smith", "user_1", "jo-anne"}
	for _, u := range valid {
		if err := ValidateUsername(u); err != nil {
			t.Errorf("ValidateUsername(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{"", "alice smith", "bob@example.com", "<script>"}
	for _, u := range invalid {
		if err := ValidateUsername(u); err == nil {
			t.Errorf("ValidateUsername(%q) = nil, want error", u)
		}
	}
}

func TestSanitizeStripsScript(t *testing.T) {
	out := Sanitize(`hello <script>alert(1)</script> world`)
	if strings.Contains(out, "script") {
		t.Errorf("script survived sanitizing: %q", out)
	}
}

func TestMentions(t *testing.T) {
	tokens := Mentions("hey @Alice and @bob.smith, also @Bob")
	for _, want := range []string{"alice", "bob.smith", "bob"} {
		if !tokens[want] {
			t.Errorf("missing token %q in %v", want, tokens)
		}
	}
	if len(tokens) != 3 {
		t.Errorf("expected 3 tokens, got %v", tokens)
	}
}

func TestMentionsUser(t *testing.T) {
	if !MentionsUser("ping @Alice about this", "alice") {
		t.Error("case-insensitive mention not detected")
	}
	if MentionsUser("no mentions here", "alice") {
		t.Error("false positive mention")
	}
	if MentionsUser("mail alice@example.com", "") {
		t.Error("empty display name must never match")
	}
}

func TestResolveMentions(t *testing.T) {
	identities := []models.User{
		{UserName: "alice", DisplayName: "Alice Anderson"},
		{UserName: "bob", DisplayName: "Bob Brown"},
		{UserName: "carol", DisplayName: "Carol Clark"},
	}

	targets := ResolveMentions("hello @Alice and @bob", "carol", identities)
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %+v", targets)
	}
	names := map[string]bool{}
	for _, u := range targets {
		names[u.UserName] = true
	}
	if !names["alice"] || !names["bob"] {
		t.Errorf("expected alice and bob, got %v", names)
	}
}

func TestResolveMentionsExcludesSender(t *testing.T) {
	identities := []models.User{
		{UserName: "alice", DisplayName: "Alice Anderson"},
	}

	targets := ResolveMentions("note to self @Alice", "alice", identities)
	if len(targets) != 0 {
		t.Errorf("sender must not resolve, got %+v", targets)
	}
}

func TestResolveMentionsDuplicateFirstNames(t *testing.T) {
	identities := []models.User{
		{UserName: "alice.a", DisplayName: "Alice Anderson"},
		{UserName: "alice.b", DisplayName: "Alice Baker"},
	}

	// Both Alices resolve; no disambiguation is attempted.
	targets := ResolveMentions("lunch @alice?", "bob", identities)
	if len(targets) != 2 {
		t.Errorf("expected both duplicates to resolve, got %+v", targets)
	}
}

func TestRenderMessageHighlightsMentions(t *testing.T) {
	out, err := RenderMessage("hi @Alice, *welcome*")
	if err != nil {
		t.Fatalf("RenderMessage failed: %v", err)
	}
	if !strings.Contains(string(out), `<span class="mention">@Alice</span>`) {
		t.Errorf("mention not highlighted: %q", out)
	}
	if !strings.Contains(string(out), "<em>welcome</em>") {
		t.Errorf("markdown not rendered: %q", out)
	}
}

func TestRenderMessageStripsHTML(t *testing.T) {
	out, err := RenderMessage(`<img src=x onerror=alert(1)> hello`)
	if err != nil {
		t.Fatalf("RenderMessage failed: %v", err)
	}
	if strings.Contains(string(out), "onerror") {
		t.Errorf("unsafe attribute survived: %q", out)
	}
}
