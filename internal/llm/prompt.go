package llm

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
)

// PromptTable maps a language code to a system prompt template. Templates may
// use {model} and {date} placeholders.
type PromptTable map[string]string

// DefaultLanguage is used when a requested language has no template
const DefaultLanguage = "en"

// DefaultPrompts is the built-in prompt table
var DefaultPrompts = PromptTable{
	"en": "You are a helpful assistant running on {model}. Today is {date}. " +
		"Answer concisely and use the available tools when they help: search the web for recent facts, " +
		"extract page content when given a link, and generate images or videos only when asked.",
	"ja": "あなたは {model} で動作する親切なアシスタントです。今日は {date} です。" +
		"簡潔に答え、必要に応じて利用可能なツールを使ってください。",
	"es": "Eres un asistente útil que funciona con {model}. Hoy es {date}. " +
		"Responde de forma concisa y usa las herramientas disponibles cuando sea útil.",
}

// Merge returns a copy of t with overrides applied
func (t PromptTable) Merge(overrides map[string]string) PromptTable {
	out := make(PromptTable, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		if v != "" {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

// BuildSystemPrompt renders the template for language, falling back to
// DefaultLanguage
func BuildSystemPrompt(model, language string, prompts PromptTable) string {
	if prompts == nil {
		prompts = DefaultPrompts
	}
	tmpl, ok := prompts[strings.ToLower(language)]
	if !ok || tmpl == "" {
		tmpl = prompts[DefaultLanguage]
	}
	if tmpl == "" {
		return ""
	}
	r := strings.NewReplacer("{model}", model, "{date}", time.Now().UTC().Format("2006-01-02"))
	return r.Replace(tmpl)
}

// SystemMessage is the shared SystemPrompt implementation for adapters whose
// backends accept a system turn
func SystemMessage(caps Capabilities, model, language string, prompts PromptTable) *domain.Message {
	if !caps.SystemRole {
		return nil
	}
	text := BuildSystemPrompt(model, language, prompts)
	if text == "" {
		return nil
	}
	return &domain.Message{Role: domain.RoleSystem, Content: text}
}

// FormatUserTurn is the shared FormatUserTurn implementation. Attachments the
// model cannot accept are dropped with a warning.
func FormatUserTurn(turn UserTurn, model string, caps Capabilities) ([]domain.Message, []string) {
	var warnings []string
	var parts []domain.ContentPart

	if !turn.Image.IsEmpty() {
		if caps.Images {
			parts = append(parts, domain.ContentPart{
				Type:     domain.PartImage,
				URL:      turn.Image.URL,
				MIMEType: turn.Image.MIMEType,
				Data:     turn.Image.Data,
			})
		} else {
			warnings = append(warnings, fmt.Sprintf("model %s does not accept images; image attachment dropped", model))
		}
	}

	if !turn.Audio.IsEmpty() {
		if caps.Audio {
			parts = append(parts, domain.ContentPart{
				Type:     domain.PartAudio,
				URL:      turn.Audio.URL,
				MIMEType: turn.Audio.MIMEType,
				Data:     turn.Audio.Data,
			})
		} else {
			warnings = append(warnings, fmt.Sprintf("model %s does not accept audio; audio attachment dropped", model))
		}
	}

	if len(parts) == 0 {
		return []domain.Message{{Role: domain.RoleUser, Content: turn.Text}}, warnings
	}

	if turn.Text != "" {
		parts = append([]domain.ContentPart{{Type: domain.PartText, Text: turn.Text}}, parts...)
	}
	return []domain.Message{{Role: domain.RoleUser, Parts: parts}}, warnings
}

// DataURL renders a binary part as a data URL, or returns its URL
func DataURL(p domain.ContentPart) string {
	if len(p.Data) == 0 {
		return p.URL
	}
	mime := p.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// LastUserText returns the text of the most recent user message
func LastUserText(msgs []domain.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return msgs[i].Text()
		}
	}
	return ""
}
