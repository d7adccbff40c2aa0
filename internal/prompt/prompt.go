// Package prompt renders the system and user prompts sent for each content job.
package prompt

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Kind selects a prompt
type Kind string

const (
	KindCategories  Kind = "categories"
	KindTags        Kind = "tags"
	KindUseCases    Kind = "use-cases"
	KindCautions    Kind = "cautions"
	KindDescription Kind = "description"
	KindArticle     Kind = "article"
)

// Template is the raw text of one prompt pair plus sampling settings
type Template struct {
	System      string   `yaml:"system"`
	User        string   `yaml:"user"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
}

// Rendered is a prompt ready to send
type Rendered struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Option is a canonical term offered to the model
type Option struct {
	Name        string
	Description string
}

// ToolData describes the tool being processed
type ToolData struct {
	Name        string
	Website     string
	Description string
	GitHub      string
	Pricing     string
}

// Data is passed to every template
type Data struct {
	Tool    ToolData
	Tools   []ToolData
	Options []Option
	Limit   int
	Topic   string
}

type compiled struct {
	system      *template.Template
	user        *template.Template
	temperature float64
	maxTokens   int
}

// Library holds the compiled templates for every kind
type Library struct {
	prompts map[Kind]*compiled
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"add":  func(a, b int) int { return a + b },
}

// Default returns the built-in templates
func Default() *Library {
	lib, err := build(nil)
	if err != nil {
		panic(fmt.Sprintf("prompt: built-in templates: %v", err))
	}
	return lib
}

type overrideFile struct {
	Prompts map[Kind]Template `yaml:"prompts"`
}

// Load returns the built-in templates with any overrides from a YAML file.
// An empty path yields Default().
//
//	prompts:
//	  cautions:
//	    system: "..."
//	    temperature: 0.1
func Load(path string) (*Library, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return Parse(raw)
}

// Parse builds a library from YAML override bytes
func Parse(raw []byte) (*Library, error) {
	var f overrideFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}
	for kind := range f.Prompts {
		if _, ok := defaults[kind]; !ok {
			return nil, fmt.Errorf("prompts file: unknown kind %q", kind)
		}
	}
	return build(f.Prompts)
}

func build(overrides map[Kind]Template) (*Library, error) {
	lib := &Library{prompts: make(map[Kind]*compiled, len(defaults))}
	for kind, def := range defaults {
		tpl := def
		if o, ok := overrides[kind]; ok {
			if strings.TrimSpace(o.System) != "" {
				tpl.System = o.System
			}
			if strings.TrimSpace(o.User) != "" {
				tpl.User = o.User
			}
			if o.Temperature != nil {
				tpl.Temperature = o.Temperature
			}
			if o.MaxTokens > 0 {
				tpl.MaxTokens = o.MaxTokens
			}
		}
		c := &compiled{maxTokens: tpl.MaxTokens}
		if tpl.Temperature != nil {
			c.temperature = *tpl.Temperature
		}
		var err error
		if c.system, err = template.New(string(kind) + "-system").Funcs(funcs).Option("missingkey=error").Parse(tpl.System); err != nil {
			return nil, fmt.Errorf("%s system template: %w", kind, err)
		}
		if c.user, err = template.New(string(kind) + "-user").Funcs(funcs).Option("missingkey=error").Parse(tpl.User); err != nil {
			return nil, fmt.Errorf("%s user template: %w", kind, err)
		}
		lib.prompts[kind] = c
	}
	return lib, nil
}

// Render executes the templates of kind against data
func (l *Library) Render(kind Kind, data Data) (*Rendered, error) {
	c, ok := l.prompts[kind]
	if !ok {
		return nil, fmt.Errorf("no prompt for kind %q", kind)
	}
	var sys, user bytes.Buffer
	if err := c.system.Execute(&sys, data); err != nil {
		return nil, fmt.Errorf("render %s system prompt: %w", kind, err)
	}
	if err := c.user.Execute(&user, data); err != nil {
		return nil, fmt.Errorf("render %s user prompt: %w", kind, err)
	}
	return &Rendered{
		System:      strings.TrimSpace(sys.String()),
		User:        strings.TrimSpace(user.String()),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}, nil
}
