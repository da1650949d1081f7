package notify

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// TemplateStore compiles and renders named templates, one per notification type.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
	raw       map[string]string
}

func NewTemplateStore() *TemplateStore {
	return &TemplateStore{
		templates: make(map[string]*template.Template),
		raw:       make(map[string]string),
	}
}

// Register adds or replaces a template definition. Missing keys render empty.
func (s *TemplateStore) Register(name, body string) error {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[name] = tmpl
	s.raw[name] = body
	return nil
}

// Render executes the template with the provided data.
func (s *TemplateStore) Render(name string, data any) (string, error) {
	s.mu.RLock()
	tmpl, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return out.String(), nil
}

func (s *TemplateStore) Raw(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.raw[name]
	return body, ok
}
