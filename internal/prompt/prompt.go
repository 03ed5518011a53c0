// Package prompt renders a system prompt, prior turns and the next user
// message into the chat format a model was trained on.
package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"llamad/pkg/types"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultTemplate is used when a model config names no template.
const DefaultTemplate = "chatml"

var (
	ErrEmptyPrompt     = errors.New("prompt is empty")
	ErrUnknownRole     = errors.New("unknown role")
	ErrUnknownTemplate = errors.New("unknown chat template")
)

// Template is a named chat format plus the stop sequences that end an
// assistant turn in it.
type Template struct {
	Name string
	Stop []string

	open   func(b *strings.Builder)
	turn   func(b *strings.Builder, role, content string)
	prefix string
	// foldSystem merges the system prompt into the first user turn for
	// formats that have no system role.
	foldSystem bool
}

var templates = map[string]Template{
	"chatml": {
		Name: "chatml",
		Stop: []string{"<|im_end|>", "<|im_start|>"},
		turn: func(b *strings.Builder, role, content string) {
			b.WriteString("<|im_start|>" + role + "\n" + content + "<|im_end|>\n")
		},
		prefix: "<|im_start|>assistant\n",
	},
	"llama3": {
		Name: "llama3",
		Stop: []string{"<|eot_id|>", "<|end_of_text|>"},
		open: func(b *strings.Builder) { b.WriteString("<|begin_of_text|>") },
		turn: func(b *strings.Builder, role, content string) {
			b.WriteString("<|start_header_id|>" + role + "<|end_header_id|>\n\n" + content + "<|eot_id|>")
		},
		prefix: "<|start_header_id|>assistant<|end_header_id|>\n\n",
	},
	"gemma": {
		Name: "gemma",
		Stop: []string{"<end_of_turn>"},
		turn: func(b *strings.Builder, role, content string) {
			if role == RoleAssistant {
				role = "model"
			}
			b.WriteString("<start_of_turn>" + role + "\n" + content + "<end_of_turn>\n")
		},
		prefix:     "<start_of_turn>model\n",
		foldSystem: true,
	},
	"plain": {
		Name: "plain",
		Stop: []string{"\nUser:"},
		turn: func(b *strings.Builder, role, content string) {
			b.WriteString(strings.ToUpper(role[:1]) + role[1:] + ": " + content + "\n\n")
		},
		prefix: "Assistant:",
	},
}

// Names returns the known template names in sorted order.
func Names() []string {
	out := make([]string, 0, len(templates))
	for n := range templates {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the template registered under name. An empty name selects
// DefaultTemplate.
func Lookup(name string) (Template, error) {
	if name == "" {
		name = DefaultTemplate
	}
	t, ok := templates[strings.ToLower(name)]
	if !ok {
		return Template{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownTemplate, name, strings.Join(Names(), ", "))
	}
	return t, nil
}

// Render formats one generation prompt. An empty system prompt omits the
// system turn. History is oldest first; roles are system, user or assistant.
func (t Template) Render(system string, history []types.Turn, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	for i, h := range history {
		switch h.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return "", fmt.Errorf("%w %q in history[%d]", ErrUnknownRole, h.Role, i)
		}
	}

	var b strings.Builder
	if t.open != nil {
		t.open(&b)
	}
	pending := system
	if !t.foldSystem && system != "" {
		t.turn(&b, RoleSystem, system)
		pending = ""
	}
	emit := func(role, content string) {
		if t.foldSystem && role == RoleSystem {
			pending = joinNonEmpty(pending, content)
			return
		}
		if role == RoleUser && pending != "" {
			content = pending + "\n\n" + content
			pending = ""
		}
		t.turn(&b, role, content)
	}
	for _, h := range history {
		emit(h.Role, h.Content)
	}
	emit(RoleUser, prompt)
	b.WriteString(t.prefix)
	return b.String(), nil
}

// Format looks up the named template and renders with it.
func Format(template, system string, history []types.Turn, prompt string) (string, []string, error) {
	t, err := Lookup(template)
	if err != nil {
		return "", nil, err
	}
	out, err := t.Render(system, history, prompt)
	if err != nil {
		return "", nil, err
	}
	return out, append([]string(nil), t.Stop...), nil
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}
