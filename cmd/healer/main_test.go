package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		format = "yaml"
		patchSnapshot, patchBefore, patchError = "", "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func saveSnapshots(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	now := time.Now()
	before := snapshot.New([]snapshot.Element{
		{ID: "login", Kind: "button", Text: "Login", Bounds: snapshot.Bounds{X: 10, Y: 10, Width: 80, Height: 30}, Visible: true, Enabled: true, Interactable: true},
	}, now)
	after := snapshot.New([]snapshot.Element{
		{ID: "login", Kind: "button", Text: "Sign in", Bounds: snapshot.Bounds{X: 10, Y: 10, Width: 80, Height: 30}, Visible: true, Enabled: true, Interactable: true},
	}, now)
	b, a := filepath.Join(dir, "before.json"), filepath.Join(dir, "after.json")
	require.NoError(t, snapshot.Save(b, before))
	require.NoError(t, snapshot.Save(a, after))
	return b, a
}

func TestDiffCommand(t *testing.T) {
	b, a := saveSnapshots(t)
	out, err := execute(t, "diff", b, a, "--format", "json")
	require.NoError(t, err)

	var changes []snapshot.Change
	require.NoError(t, json.Unmarshal([]byte(out), &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, snapshot.TextChanged, changes[0].Kind)
	assert.Equal(t, "Login", changes[0].Old)
	assert.Equal(t, "Sign in", changes[0].New)
}

func TestPatchCommand(t *testing.T) {
	b, a := saveSnapshots(t)
	src := filepath.Join(t.TempDir(), "login.script")
	require.NoError(t, os.WriteFile(src, []byte("click \"Login\"\n"), 0o644))

	out, err := execute(t, "patch", src, "--snapshot", a, "--before", b, "--error", `element "Login" not found`)
	require.NoError(t, err)

	var res struct {
		Diagnosis map[string]any `yaml:"diagnosis"`
		Changes   int            `yaml:"changes"`
		Script    string         `yaml:"script"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &res))
	assert.Equal(t, "element-not-found", res.Diagnosis["cause"])
	assert.Equal(t, "rule", res.Diagnosis["provenance"])
	assert.Equal(t, 1, res.Changes)
	assert.Contains(t, res.Script, `"Sign in"`)
	assert.Contains(t, res.Script, "wait 1000")
}

func TestUnsupportedFormat(t *testing.T) {
	b, a := saveSnapshots(t)
	_, err := execute(t, "diff", b, a, "--format", "xml")
	assert.ErrorContains(t, err, "unsupported format")
}
