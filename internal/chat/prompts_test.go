package chat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ExplicitVersion(t *testing.T) {
	reg := NewPromptRegistry()
	require.NoError(t, reg.Register(PromptTemplate{Name: "p", Version: "v1", System: "one"}))
	require.NoError(t, reg.Register(PromptTemplate{Name: "p", Version: "v2", System: "two"}))

	tmpl, err := reg.Resolve("p", "v1")
	require.NoError(t, err)
	assert.Equal(t, "one", tmpl.System)

	_, err = reg.Resolve("p", "v9")
	assert.Error(t, err)

	_, err = reg.Resolve("missing", "")
	assert.Error(t, err)
}

func TestResolve_DefaultWins(t *testing.T) {
	reg := NewPromptRegistry()
	require.NoError(t, reg.Register(PromptTemplate{Name: "p", Version: "v1", Default: true, System: "marked"}))
	require.NoError(t, reg.Register(PromptTemplate{Name: "p", Version: "v9", System: "newer"}))

	tmpl, err := reg.Resolve("p", "")
	require.NoError(t, err)
	assert.Equal(t, "marked", tmpl.System)
}

func TestResolve_HighestVersionFallback(t *testing.T) {
	reg := NewPromptRegistry()
	require.NoError(t, reg.Register(PromptTemplate{Name: "p", Version: "v1", System: "old"}))
	require.NoError(t, reg.Register(PromptTemplate{Name: "p", Version: "v3", System: "newest"}))
	require.NoError(t, reg.Register(PromptTemplate{Name: "p", Version: "v2", System: "mid"}))

	tmpl, err := reg.Resolve("p", "")
	require.NoError(t, err)
	assert.Equal(t, "newest", tmpl.System)
}

func TestRegister_RejectsDuplicatesAndUnnamed(t *testing.T) {
	reg := NewPromptRegistry()
	require.NoError(t, reg.Register(PromptTemplate{Name: "p", Version: "v1"}))
	assert.Error(t, reg.Register(PromptTemplate{Name: "p", Version: "v1"}))
	assert.Error(t, reg.Register(PromptTemplate{Name: "", Version: "v1"}))
	assert.Error(t, reg.Register(PromptTemplate{Name: "p", Version: ""}))
}

func TestRender_SubstitutesData(t *testing.T) {
	reg := NewPromptRegistry()
	require.NoError(t, reg.Register(PromptTemplate{
		Name:    "p",
		Version: "v1",
		System:  "Answer from context.",
		User:    "Context:\n{{.Context}}\n\nQ: {{.Question}}",
	}))

	system, user, err := reg.Render("p", "v1", PromptData{
		Question: "what is it?",
		Context:  "[1] source=s3://b/doc.pdf\nsome text",
	})
	require.NoError(t, err)
	assert.Equal(t, "Answer from context.", system)
	assert.Contains(t, user, "Q: what is it?")
	assert.Contains(t, user, "[1] source=s3://b/doc.pdf")
}

func TestLoadPromptRegistry_FromDir(t *testing.T) {
	dir := t.TempDir()
	single := `
name: answer
version: v1
default: true
system: "sys"
user: "Q: {{.Question}}"
`
	list := `
- name: summarize
  version: v1
  system: "a"
  user: "b"
- name: summarize
  version: v2
  system: "c"
  user: "d"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer.yaml"), []byte(single), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summarize.yml"), []byte(list), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	reg, err := LoadPromptRegistry(dir)
	require.NoError(t, err)

	tmpl, err := reg.Resolve("answer", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", tmpl.Version)

	tmpl, err = reg.Resolve("summarize", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", tmpl.Version)
}

func TestDefaultPromptRegistry(t *testing.T) {
	reg := DefaultPromptRegistry()
	system, user, err := reg.Render("grounded-answer", "", PromptData{
		Question: "q",
		Context:  "ctx",
		History:  "user: earlier",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, system)
	assert.Contains(t, user, "ctx")
	assert.Contains(t, user, "user: earlier")
	assert.Contains(t, user, "Question: q")
}
