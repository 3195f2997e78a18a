// Package prompts loads the tone catalogue and specialist instructions.
package prompts

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalogue []byte

// Specialist instruction keys.
const (
	SpecialistRefund    = "refund"
	SpecialistTechnical = "technical"
)

// Tone is one entry of the tone catalogue.
type Tone struct {
	SystemPrompt string `yaml:"system_prompt"`
}

// Catalogue holds every instruction text used by the engine.
type Catalogue struct {
	DefaultTone string            `yaml:"default_tone"`
	Tones       map[string]Tone   `yaml:"tones"`
	Guardrails  []string          `yaml:"guardrails"`
	Specialists map[string]string `yaml:"specialists"`
}

// Load reads the catalogue from path, or the embedded default when path is
// empty. A non-empty defaultTone overrides the file's default when known.
func Load(path, defaultTone string) (*Catalogue, error) {
	data := defaultCatalogue
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompts file: %w", err)
		}
		data = b
	}

	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if defaultTone != "" {
		if _, ok := c.Tones[defaultTone]; ok {
			c.DefaultTone = defaultTone
		} else {
			slog.Warn("Configured default tone not in catalogue, keeping file default",
				"tone", defaultTone, "default_tone", c.DefaultTone)
		}
	}
	return c, nil
}

// Parse decodes and validates a YAML catalogue.
func Parse(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	if len(c.Tones) == 0 {
		return nil, fmt.Errorf("prompts catalogue has no tones")
	}
	if c.DefaultTone == "" {
		c.DefaultTone = "friendly"
	}
	if _, ok := c.Tones[c.DefaultTone]; !ok {
		return nil, fmt.Errorf("default tone %q not in catalogue", c.DefaultTone)
	}
	return &c, nil
}

// HasTone reports whether tone is defined.
func (c *Catalogue) HasTone(tone string) bool {
	_, ok := c.Tones[tone]
	return ok
}

// SystemPrompt returns the general agent instruction for tone followed by
// the guardrails. Unknown or empty tones fall back to the default tone.
func (c *Catalogue) SystemPrompt(tone string) string {
	t, ok := c.Tones[tone]
	if !ok {
		if tone != "" {
			slog.Warn("Tone not found, falling back to default", "tone", tone, "default_tone", c.DefaultTone)
		}
		t = c.Tones[c.DefaultTone]
	}

	prompt := strings.TrimSpace(t.SystemPrompt)
	if len(c.Guardrails) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nIMPORTANT RULES:")
	for _, g := range c.Guardrails {
		b.WriteString("\n- ")
		b.WriteString(g)
	}
	return b.String()
}

// Specialist returns the instruction for a specialist. Unknown names yield
// the default tone's system prompt.
func (c *Catalogue) Specialist(name string) string {
	if s, ok := c.Specialists[name]; ok && s != "" {
		return s
	}
	return c.SystemPrompt(c.DefaultTone)
}
