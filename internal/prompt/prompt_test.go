package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Categories(t *testing.T) {
	lib := Default()
	out, err := lib.Render(KindCategories, Data{
		Tool:    ToolData{Name: "Acme", Website: "https://acme.ai", Description: "Writes code."},
		Options: []Option{{Name: "Coding", Description: "Software work"}, {Name: "Writing"}},
		Limit:   3,
	})
	require.NoError(t, err)

	assert.Contains(t, out.System, "JSON array")
	assert.Contains(t, out.User, "Tool: Acme\nWebsite: https://acme.ai\nDescription: Writes code.")
	assert.Contains(t, out.User, "at most 3 categories")
	assert.Contains(t, out.User, "- Coding: Software work\n- Writing")
	assert.NotContains(t, out.User, "Repository:")
	assert.Equal(t, 0.0, out.Temperature)
	assert.Equal(t, 300, out.MaxTokens)
}

func TestRender_ArticleNumbersTools(t *testing.T) {
	out, err := Default().Render(KindArticle, Data{
		Topic: "Best AI coding assistants",
		Tools: []ToolData{{Name: "Acme"}, {Name: "Beta", Website: "https://beta.dev"}},
	})
	require.NoError(t, err)
	assert.Contains(t, out.User, "1. Acme\n2. Beta (https://beta.dev)")
	assert.InDelta(t, 0.7, out.Temperature, 1e-9)
}

func TestRender_UnknownKind(t *testing.T) {
	_, err := Default().Render(Kind("poems"), Data{})
	assert.Error(t, err)
}

func TestEveryKindRenders(t *testing.T) {
	lib := Default()
	for _, kind := range []Kind{KindCategories, KindTags, KindUseCases, KindCautions, KindDescription, KindArticle} {
		out, err := lib.Render(kind, Data{Tool: ToolData{Name: "X"}, Limit: 2, Topic: "t"})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if strings.TrimSpace(out.System) == "" || strings.TrimSpace(out.User) == "" {
			t.Errorf("%s rendered an empty prompt", kind)
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	yaml := `prompts:
  cautions:
    system: "Only list privacy issues."
    temperature: 0.1
    max_tokens: 99
  description:
    user: "Describe {{.Tool.Name}} in one line."
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	lib, err := Load(path)
	require.NoError(t, err)

	out, err := lib.Render(KindCautions, Data{Tool: ToolData{Name: "Acme"}, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "Only list privacy issues.", out.System)
	assert.Contains(t, out.User, "at most 5 cautions")
	assert.InDelta(t, 0.1, out.Temperature, 1e-9)
	assert.Equal(t, 99, out.MaxTokens)

	out, err = lib.Render(KindDescription, Data{Tool: ToolData{Name: "Acme"}})
	require.NoError(t, err)
	assert.Equal(t, "Describe Acme in one line.", out.User)
	assert.Contains(t, out.System, "neutral, factual")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("prompts:\n  limericks:\n    user: hi\n"))
	assert.ErrorContains(t, err, "unknown kind")

	_, err = Parse([]byte("prompts:\n  tags:\n    user: \"{{.Tool.Name\"\n"))
	assert.ErrorContains(t, err, "tags user template")

	lib, err := Load("")
	require.NoError(t, err)
	assert.NotNil(t, lib)
}
