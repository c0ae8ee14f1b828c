package model

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

// ============================================================================
// TEMPLATE RENDERING
// ============================================================================

var helpersOnce sync.Once

// RegisterHelpers installs the custom handlebars helpers. raymond keeps a
// global helper table, so this must run at most once per process.
func RegisterHelpers() {
	helpersOnce.Do(registerHelpers)
}

func registerHelpers() {
	raymond.RegisterHelper("uuid", func() string {
		return uuid.New().String()
	})

	raymond.RegisterHelper("now", func(options *raymond.Options) string {
		format := options.HashStr("format")
		if format == "" {
			format = time.RFC3339
		}
		return time.Now().Format(format)
	})

	raymond.RegisterHelper("randomInt", func(options *raymond.Options) string {
		lower := 0
		upper := 100
		if v := options.HashProp("lower"); v != nil {
			lower = toInt(v)
		}
		if v := options.HashProp("upper"); v != nil {
			upper = toInt(v)
		}
		if lower > upper {
			lower, upper = upper, lower
		}
		return fmt.Sprintf("%d", gofakeit.Number(lower, upper))
	})

	raymond.RegisterHelper("faker", func(key string) string {
		switch strings.ToLower(key) {
		case "name":
			return gofakeit.Name()
		case "email":
			return gofakeit.Email()
		case "city":
			return gofakeit.City()
		case "country":
			return gofakeit.Country()
		case "company":
			return gofakeit.Company()
		case "sentence":
			return gofakeit.Sentence(8)
		case "word":
			return gofakeit.Word()
		case "url":
			return gofakeit.URL()
		default:
			return gofakeit.Word()
		}
	})
}

// Render fills a handlebars template with the given variables. Parse and
// execution errors are returned to the caller, never swallowed.
func Render(input string, vars map[string]interface{}) (string, error) {
	RegisterHelpers()

	tpl, err := raymond.Parse(input)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	out, err := tpl.Exec(vars)
	if err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return out, nil
}

// RenderLenient renders and falls back to the raw input on error. Used for
// config-level substitution (provider fields) where a literal value that
// merely looks like a template must pass through unchanged.
func RenderLenient(input string, vars map[string]string) string {
	ctx := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		ctx[k] = v
	}
	out, err := Render(input, ctx)
	if err != nil {
		return input
	}
	return out
}

// RenderMessages renders the template into the message list sent to the
// gateway. Plain-string templates become a single user message; structured
// templates render each content field independently.
func (p PromptTemplate) RenderMessages(vars map[string]interface{}) ([]Message, error) {
	if len(p.Messages) == 0 {
		content, err := Render(p.Raw, vars)
		if err != nil {
			return nil, err
		}
		return []Message{{Role: "user", Content: content}}, nil
	}

	msgs := make([]Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		content, err := Render(m.Content, vars)
		if err != nil {
			return nil, err
		}
		role := m.Role
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, Message{Role: role, Content: content})
	}
	return msgs, nil
}

// RenderText flattens the rendered template to a single string for result
// records and judge prompts.
func (p PromptTemplate) RenderText(vars map[string]interface{}) (string, error) {
	msgs, err := p.RenderMessages(vars)
	if err != nil {
		return "", err
	}
	return FlattenMessages(msgs), nil
}

// FlattenMessages collapses a message list into one display string.
func FlattenMessages(msgs []Message) string {
	if len(msgs) == 1 {
		return msgs[0].Content
	}
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Role + ": " + m.Content
	}
	return strings.Join(parts, "\n")
}

func toInt(val interface{}) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}
