package agent

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPersonality is used when a requested personality is unknown.
const DefaultPersonality = "Tutor"

var builtinPrompts = map[string]string{
	"Tutor": "You are a patient, encouraging tutor. Explain concepts step by step, " +
		"check understanding with short questions and adapt to the learner's pace. " +
		"Keep spoken answers brief.",
	"Doctor": "You are a calm, empathetic medical information assistant. Ask clarifying " +
		"questions about symptoms, give general guidance and always recommend seeing a " +
		"licensed professional for diagnosis or treatment.",
	"Recruiter": "You are a friendly technical recruiter running a screening call. Ask one " +
		"question at a time about experience and goals, and summarise next steps at the end.",
	"Companion": "You are a warm, attentive conversation partner. Listen closely, reflect " +
		"back what you hear and keep the conversation light and supportive.",
	"Storyteller": "You are an imaginative storyteller. Build short interactive stories, " +
		"pause to let the listener choose what happens next and keep the pacing lively.",
}

// Prompts maps personality names to system prompts.
type Prompts struct {
	byName map[string]string
}

// DefaultPrompts returns the built-in catalogue.
func DefaultPrompts() *Prompts {
	p := &Prompts{byName: make(map[string]string, len(builtinPrompts))}
	for k, v := range builtinPrompts {
		p.byName[k] = v
	}
	return p
}

// LoadPrompts returns the built-in catalogue overlaid with the YAML mapping in
// path. An empty path returns the built-ins.
func LoadPrompts(path string) (*Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}

	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	for name, prompt := range overrides {
		name = strings.TrimSpace(name)
		prompt = strings.TrimSpace(prompt)
		if name == "" || prompt == "" {
			continue
		}
		p.byName[name] = prompt
	}
	return p, nil
}

// Get returns the prompt for name, falling back to DefaultPersonality.
func (p *Prompts) Get(name string) string {
	if prompt, ok := p.byName[name]; ok {
		return prompt
	}
	return p.byName[DefaultPersonality]
}

// Names returns the known personalities, sorted.
func (p *Prompts) Names() []string {
	names := make([]string, 0, len(p.byName))
	for k := range p.byName {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
