// Package templates renders the per-phase system prompts of the agent runner.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"rlm/pkg/proto"
)

//go:embed phases/*.tpl.md
var templateFS embed.FS

// TemplateData holds the values a phase prompt can reference.
type TemplateData struct {
	Goal      string   `json:"goal"`
	Phase     string   `json:"phase"`
	Feedback  string   `json:"feedback,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Iteration int      `json:"iteration,omitempty"`
}

// StateTemplate names a phase prompt template.
type StateTemplate string

const (
	// AnalyzeCodeTemplate is the prompt for plan.analyze_code.
	AnalyzeCodeTemplate StateTemplate = "phases/analyze_code.tpl.md"
	// ResearchTemplate is the prompt for plan.research.
	ResearchTemplate StateTemplate = "phases/research.tpl.md"
	// DesignTemplate is the prompt for plan.design.
	DesignTemplate StateTemplate = "phases/design.tpl.md"
	// ImplementTemplate is the prompt for build.implement.
	ImplementTemplate StateTemplate = "phases/implement.tpl.md"
	// ValidateTemplate is the prompt for build.validate.
	ValidateTemplate StateTemplate = "phases/validate.tpl.md"

	toolsPartial = "phases/tools.tpl.md"
)

var phaseTemplates = map[proto.Phase]StateTemplate{
	proto.PhaseAnalyzeCode: AnalyzeCodeTemplate,
	proto.PhaseResearch:    ResearchTemplate,
	proto.PhaseDesign:      DesignTemplate,
	proto.PhaseImplement:   ImplementTemplate,
	proto.PhaseValidate:    ValidateTemplate,
}

// TemplateFor returns the template of an agent phase.
func TemplateFor(phase proto.Phase) (StateTemplate, bool) {
	name, ok := phaseTemplates[phase]
	return name, ok
}

// Renderer renders phase prompts.
type Renderer struct {
	templates map[StateTemplate]*template.Template
}

// NewRenderer parses every embedded phase template.
func NewRenderer() (*Renderer, error) {
	partial, err := templateFS.ReadFile(toolsPartial)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", toolsPartial, err)
	}

	r := &Renderer{templates: make(map[StateTemplate]*template.Template, len(phaseTemplates))}
	for _, name := range phaseTemplates {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl := template.New(string(name)).Funcs(template.FuncMap{
			"join": strings.Join,
		})
		if _, err := tmpl.Parse(string(partial)); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", toolsPartial, err)
		}
		if _, err := tmpl.Parse(string(content)); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StateTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

// RenderPhase renders the prompt for phase.
func (r *Renderer) RenderPhase(phase proto.Phase, data *TemplateData) (string, error) {
	name, ok := TemplateFor(phase)
	if !ok {
		return "", fmt.Errorf("no prompt template for phase %s", phase)
	}
	if data.Phase == "" {
		data.Phase = string(phase)
	}
	return r.Render(name, data)
}

// GetAvailableTemplates returns a list of all available templates.
func (r *Renderer) GetAvailableTemplates() []StateTemplate {
	out := make([]StateTemplate, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}
	return out
}
