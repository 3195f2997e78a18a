package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEmbeddedDefault(t *testing.T) {
	t.Parallel()
	c, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.DefaultTone != "friendly" {
		t.Fatalf("DefaultTone = %q, want friendly", c.DefaultTone)
	}
	for _, tone := range []string{"friendly", "professional", "playful"} {
		if !c.HasTone(tone) {
			t.Errorf("HasTone(%q) = false", tone)
		}
	}
	if !strings.Contains(c.Specialist(SpecialistRefund), "flag_refund") {
		t.Error("refund instruction does not mention flag_refund")
	}
	if !strings.Contains(c.Specialist(SpecialistTechnical), "diagnostic") {
		t.Error("technical instruction does not mention diagnostics")
	}
}

func TestSystemPromptFallsBackAndAppendsGuardrails(t *testing.T) {
	t.Parallel()
	c, err := Parse([]byte(`
default_tone: calm
tones:
  calm:
    system_prompt: Stay calm.
  loud:
    system_prompt: BE LOUD.
guardrails:
  - No lies.
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := "Stay calm.\n\nIMPORTANT RULES:\n- No lies."
	if got := c.SystemPrompt("unknown"); got != want {
		t.Fatalf("SystemPrompt(unknown) = %q, want %q", got, want)
	}
	if got := c.SystemPrompt("loud"); !strings.HasPrefix(got, "BE LOUD.") {
		t.Fatalf("SystemPrompt(loud) = %q", got)
	}
	if got := c.Specialist("refund"); got != want {
		t.Fatalf("Specialist(missing) = %q, want default tone prompt", got)
	}
}

func TestParseRejectsMissingDefaultTone(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("default_tone: ghost\ntones:\n  calm:\n    system_prompt: x\n"))
	if err == nil {
		t.Fatal("Parse() error = nil, want unknown default tone error")
	}
}

func TestLoadOverrideFileAndDefaultTone(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	data := "tones:\n  friendly:\n    system_prompt: Hi.\n  professional:\n    system_prompt: Good day.\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	c, err := Load(path, "professional")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.DefaultTone != "professional" {
		t.Fatalf("DefaultTone = %q, want professional", c.DefaultTone)
	}
	if got := c.SystemPrompt(""); got != "Good day." {
		t.Fatalf("SystemPrompt(\"\") = %q, want Good day.", got)
	}

	c, err = Load(path, "sarcastic")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.DefaultTone != "friendly" {
		t.Fatalf("DefaultTone = %q, want friendly when override is unknown", c.DefaultTone)
	}
}
