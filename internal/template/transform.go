package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mailsink/webhookd/internal/domain"
)

const defaultContentType = "application/json"

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// Built-in payload formats for common chat receivers. Bodies are templates
// themselves and go through the same substitution path as custom ones.
var builtins = map[string]string{
	"slack":   `{"text":"[{{type}}] {{data.subject}} (from {{data.from.address}} to {{data.mailbox}})"}`,
	"discord": `{"content":"**{{type}}** {{data.subject}} from {{data.from.address}}"}`,
}

// Transform renders the payload for an envelope. A nil config or the
// "default" name yields the envelope serialized verbatim. The returned
// payload is always valid JSON text; anything else is an error and the
// delivery engine counts the attempt as failed.
func Transform(env *domain.Envelope, cfg *domain.TemplateConfig) (payload string, contentType string, err error) {
	contentType = defaultContentType
	if cfg != nil && cfg.ContentType != "" {
		contentType = cfg.ContentType
	}

	body, err := templateBody(cfg)
	if err != nil {
		return "", "", err
	}
	if body == "" {
		raw, err := json.Marshal(env)
		if err != nil {
			return "", "", fmt.Errorf("marshaling envelope: %w", err)
		}
		return string(raw), contentType, nil
	}

	ctx, err := buildContext(env)
	if err != nil {
		return "", "", err
	}
	out := placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		return escape(resolve(ctx, path))
	})
	if !json.Valid([]byte(out)) {
		return "", "", fmt.Errorf("template %q produced invalid JSON", templateName(cfg))
	}
	return out, contentType, nil
}

// Validate checks a template configuration at registration time by
// substituting a dummy for every placeholder and parsing the result.
func Validate(cfg *domain.TemplateConfig) error {
	if cfg == nil {
		return nil
	}
	body, err := templateBody(cfg)
	if err != nil {
		return err
	}
	if body == "" {
		return nil
	}
	out := placeholderRe.ReplaceAllStringFunc(body, func(string) string { return "sample" })
	if !json.Valid([]byte(out)) {
		return fmt.Errorf("template body is not valid JSON after substitution")
	}
	return nil
}

func templateName(cfg *domain.TemplateConfig) string {
	if cfg == nil || cfg.Name == "" {
		return "custom"
	}
	return cfg.Name
}

// templateBody picks the effective template text. An explicit custom body
// wins over a named built-in; empty means the default envelope format.
func templateBody(cfg *domain.TemplateConfig) (string, error) {
	if cfg == nil {
		return "", nil
	}
	if cfg.Body != "" {
		if len(cfg.Body) > domain.MaxTemplateBodyLen {
			return "", fmt.Errorf("template body exceeds %d characters", domain.MaxTemplateBodyLen)
		}
		return cfg.Body, nil
	}
	switch cfg.Name {
	case "", domain.TemplateDefault:
		return "", nil
	}
	if body, ok := builtins[cfg.Name]; ok {
		return body, nil
	}
	return "", fmt.Errorf("unknown template %q", cfg.Name)
}

// buildContext exposes the envelope to placeholder resolution: id, object,
// created, type, data, plus an ISO-8601 timestamp derived from created.
// Round-tripping through JSON keeps numbers rendering as written.
func buildContext(env *domain.Envelope) (map[string]any, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var ctx map[string]any
	if err := dec.Decode(&ctx); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	ctx["timestamp"] = time.Unix(env.Created, 0).UTC().Format(time.RFC3339)
	return ctx, nil
}

// resolve walks a dot path through the context. Missing segments yield the
// empty string; objects and arrays serialize to JSON; scalars render in
// their plain string form.
func resolve(ctx map[string]any, path string) string {
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[seg]
		if !ok {
			return ""
		}
	}
	return stringify(cur)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// escape makes a resolved value safe to embed inside a JSON string literal.
func escape(s string) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw[1 : len(raw)-1])
}
