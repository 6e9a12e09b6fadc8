package engine

import (
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"

	"github.com/sunshow/workgear/sessionstore/internal/config"
	"github.com/sunshow/workgear/sessionstore/internal/session"
)

func init() {
	// Register "truncate" as alias for "truncatechars"
	pongo2.RegisterFilter("truncate", func(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
		s := in.String()
		n := param.Integer()
		if n <= 0 || n >= len(s) {
			return in, nil
		}
		return pongo2.AsValue(s[:n]), nil
	})
}

// RenderTemplate renders a template string using pongo2 with the given context.
func RenderTemplate(tmpl string, ctx map[string]any) (string, error) {
	// Quick check: if no template syntax, return as-is
	if !strings.Contains(tmpl, "{{") && !strings.Contains(tmpl, "{%") {
		return tmpl, nil
	}

	tpl, err := pongo2.FromString(tmpl)
	if err != nil {
		return tmpl, err
	}

	result, err := tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return tmpl, err
	}

	return result, nil
}

// RenderConfig renders every string value of cfg, recursing into nested
// documents and lists. Keys are left untouched.
func RenderConfig(cfg config.Config, ctx map[string]any) (config.Config, error) {
	out := cfg
	for _, k := range cfg.Keys() {
		v, _ := cfg.Get(k)
		rendered, err := renderValue(v, ctx)
		if err != nil {
			return cfg, fmt.Errorf("render %s: %w", k, err)
		}
		out = out.Set(k, rendered)
	}
	return out, nil
}

func renderValue(v any, ctx map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return RenderTemplate(t, ctx)
	case config.Config:
		return RenderConfig(t, ctx)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := renderValue(e, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// templateContext exposes params, the task and the session to templates.
func templateContext(params config.Config, task *session.StoredTask, s *session.StoredSession) map[string]any {
	ctx := map[string]any{
		"params": params.ToMap(),
		"task": map[string]any{
			"id":      task.ID,
			"name":    task.FullName,
			"attempt": task.StateParams.GetInt(retryCountKey, 0) + 1,
		},
	}
	if s != nil {
		sess := map[string]any{
			"id":       s.ID,
			"name":     s.Name,
			"timezone": s.Options.Timezone,
		}
		if s.Options.SessionTime != nil {
			sess["time"] = s.Options.SessionTime.Format("2006-01-02T15:04:05Z07:00")
		}
		ctx["session"] = sess
	}
	return ctx
}
