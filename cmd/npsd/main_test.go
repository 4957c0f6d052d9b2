package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/survey"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeConfig writes an owner-only config using a sqlite database in dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`logging:
  level: error
checkpoint:
  backend: sqlite
  sqlite:
    path: %s
`, filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeSurvey(t *testing.T, dir string, n int) string {
	t.Helper()
	comments := []string{
		"Fast delivery and friendly support",
		"Checkout kept failing, support never answered",
		"Pricing is fair but delivery was slow",
	}
	ds := survey.Dataset{Name: "q3"}
	for i := 0; i < n; i++ {
		ds.Responses = append(ds.Responses, survey.Response{
			ID:      fmt.Sprintf("r%03d", i),
			Score:   (i * 7) % 11,
			Comment: comments[i%len(comments)],
		})
	}
	data, err := json.Marshal(ds)
	require.NoError(t, err)
	path := filepath.Join(dir, "survey.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRootCmd_Commands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "resume", "status", "serve", "worker", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestRunCmd_RequiresInput(t *testing.T) {
	_, err := execute(t, "run")
	assert.ErrorContains(t, err, "input")
}

func TestRunCmd_WritesAggregate(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	input := writeSurvey(t, dir, 60)
	output := filepath.Join(dir, "result.json")

	_, err := execute(t, "run", "--config", cfgPath, "--input", input, "--output", output)
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var agg run.Aggregate
	require.NoError(t, json.Unmarshal(data, &agg))
	assert.Equal(t, run.StateCompleted, agg.Status.State)
	assert.Equal(t, run.Phases(), agg.Status.CompletedPhases)
	assert.Equal(t, "q3", agg.Run.Input.Name)

	// Completed runs leave no checkpoints behind.
	out, err := execute(t, "status", "--config", cfgPath, agg.Run.ID)
	require.Error(t, err)
	assert.True(t, strings.Contains(out, `"known": false`), out)
}

func TestResumeCmd_UnknownRun(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "resume", "--config", writeConfig(t, dir), "no-such-run")
	assert.ErrorContains(t, err, "unknown run")
	assert.Contains(t, out, `"state": "partially_failed"`)
	assert.Contains(t, out, `"id": "no-such-run"`)
}

func TestRunCmd_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "run", "--config", writeConfig(t, dir), "--log-level", "loud", "--input", writeSurvey(t, dir, 5))
	assert.ErrorContains(t, err, "invalid log level")
}
