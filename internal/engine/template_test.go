package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = RenderTemplate("{{ name|truncate:3 }}", map[string]any{"name": "abcdef"})
	require.NoError(t, err)
	assert.Equal(t, "abc", out)

	out, err = RenderTemplate("{% if on %}yes{% endif %}", map[string]any{"on": true})
	require.NoError(t, err)
	assert.Equal(t, "yes", out)

	_, err = RenderTemplate("{{ broken", nil)
	assert.Error(t, err)
}

func TestRenderConfig(t *testing.T) {
	cfg := config.MustParse(`{"echo>":"hi {{ params.who }}","n":3,"nested":{"path":"/{{ session.name }}/{{ task.attempt }}"},"list":["{{ params.who }}",1]}`)
	sessionTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	task := &session.StoredTask{ID: 9, Task: session.Task{FullName: "+wf+a"}}
	sess := &session.StoredSession{
		ID:      1,
		Session: session.Session{Name: "wf", Options: session.SessionOptions{SessionTime: &sessionTime}},
	}

	out, err := RenderConfig(cfg, templateContext(config.MustParse(`{"who":"bob"}`), task, sess))
	require.NoError(t, err)

	assert.Equal(t, cfg.Keys(), out.Keys())
	assert.Equal(t, "hi bob", out.GetString("echo>", ""))
	assert.Equal(t, 3, out.GetInt("n", 0))
	assert.Equal(t, "/wf/1", out.GetNested("nested").GetString("path", ""))
	assert.Equal(t, "bob", out.GetList("list")[0])

	// the input document is unchanged
	assert.Equal(t, "hi {{ params.who }}", cfg.GetString("echo>", ""))
}

func TestRenderConfigError(t *testing.T) {
	cfg := config.MustParse(`{"echo>":"{% if %}"}`)
	_, err := RenderConfig(cfg, map[string]any{})
	assert.Error(t, err)
}
