// Package gemini implements model.Provider on the Google Gen AI SDK.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/function"
	"github.com/nstogner/evo/pkg/model"
	"google.golang.org/genai"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Transport: &loggingTransport{base: http.DefaultTransport}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// List returns available Gemini models.
func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	var models []domain.Model
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, err
		}

		// Filter for models that support generateContent.
		supportsGenerate := false
		if !strings.Contains(strings.ToLower(m.Name), "gemma") {
			for _, action := range m.SupportedActions {
				if action == "generateContent" {
					supportsGenerate = true
					break
				}
			}
		}

		if supportsGenerate {
			models = append(models, domain.Model{
				ID:        strings.TrimPrefix(m.Name, "models/"),
				Name:      m.DisplayName,
				Provider:  "gemini",
				MaxTokens: int(m.InputTokenLimit),
			})
		}
	}
	return models, nil
}

// Stream sends the transcript to the model and returns a stream.
func (p *Provider) Stream(ctx context.Context, modelName string, entries []domain.Entry, functions []function.Declaration) (model.ModelStream, error) {
	slog.Debug("Gemini.Stream", "model", modelName, "entryCount", len(entries), "functionCount", len(functions))

	system, contents := toContents(entries)
	if len(contents) == 0 {
		// The API rejects empty conversations.
		contents = []*genai.Content{{Role: roleUser, Parts: []*genai.Part{{Text: "Begin."}}}}
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
	}
	if len(functions) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: toDeclarations(functions)}}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	iter := p.client.Models.GenerateContentStream(streamCtx, modelName, contents, config)

	return &geminiStream{
		iter:   iter,
		cancel: cancel,
	}, nil
}

// toContents converts transcript entries into Gemini contents. Persistent
// system entries become the system instruction; other system entries are
// passed inline as user text so their position in the history is kept.
func toContents(entries []domain.Entry) (*genai.Content, []*genai.Content) {
	var (
		systemParts []*genai.Part
		contents    []*genai.Content
		callIDs     = map[string]string{} // function name -> latest call ID
	)

	add := func(role string, part *genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}

	for _, e := range entries {
		switch e.Role {
		case domain.RoleSystem:
			if e.Persistence == domain.Persistent {
				systemParts = append(systemParts, &genai.Part{Text: e.Content})
			} else {
				add(roleUser, &genai.Part{Text: "[system] " + e.Content})
			}
		case domain.RoleUser:
			add(roleUser, &genai.Part{Text: e.Content})
		case domain.RoleAssistant:
			if e.Call != nil {
				if e.Content != "" {
					add(roleModel, &genai.Part{Text: e.Content})
				}
				callIDs[e.Call.Name] = e.Call.ID
				add(roleModel, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   e.Call.ID,
						Name: e.Call.Name,
						Args: e.Call.Arguments,
					},
					ThoughtSignature: e.Call.ThoughtSignature,
				})
				continue
			}
			if e.Content != "" {
				add(roleModel, &genai.Part{Text: e.Content})
			}
		case domain.RoleFunction:
			add(roleUser, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       callIDs[e.Function],
					Name:     e.Function,
					Response: map[string]any{"result": e.Content},
				},
			})
		}
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: systemParts}
	}
	return system, contents
}

func toDeclarations(functions []function.Declaration) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(functions))
	for _, f := range functions {
		d := &genai.FunctionDeclaration{Name: f.Name, Description: f.Description}
		if s := toSchema(f.Parameters); s != nil && len(s.Properties) > 0 {
			d.Parameters = s
		}
		decls = append(decls, d)
	}
	return decls
}

var schemaTypes = map[string]genai.Type{
	"object":  genai.TypeObject,
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
}

// toSchema converts a JSON schema map into a genai.Schema.
func toSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = schemaTypes[t]
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			if pm, ok := v.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	switch r := m["required"].(type) {
	case []string:
		s.Required = r
	case []any:
		for _, v := range r {
			if name, ok := v.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	switch e := m["enum"].(type) {
	case []string:
		s.Enum = e
	case []any:
		for _, v := range e {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	return s
}

// geminiStream wraps the Gemini streaming iterator.
type geminiStream struct {
	iter   func(yield func(*genai.GenerateContentResponse, error) bool)
	cancel context.CancelFunc
}

func (s *geminiStream) FullMessage() (model.Message, error) {
	var (
		msg      model.Message
		fullText strings.Builder
	)

	for resp, err := range s.iter {
		if err != nil {
			return model.Message{}, err
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					if len(part.ThoughtSignature) > 0 {
						msg.ThoughtSignature = part.ThoughtSignature
					}
					fullText.WriteString(part.Text)
				}
				if fc := part.FunctionCall; fc != nil {
					id := fc.ID
					if id == "" {
						id = "call-" + uuid.New().String()
					}
					msg.Calls = append(msg.Calls, domain.FunctionCall{
						ID:               id,
						Name:             fc.Name,
						Arguments:        fc.Args,
						ThoughtSignature: part.ThoughtSignature,
					})
				}
			}
		}
	}

	msg.Text = fullText.String()
	return msg, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
