package wizards

import (
	"fmt"

	"github.com/fyrsmithlabs/opspilot/internal/workflow"
)

// Stage tokens for the project scaffold wizard. The template questions use
// the answerQuestion:required / answerQuestion:optional substage pair; the
// per-file loop alternates fileAnswers and fileConfirm.
const (
	ScaffoldTool     = "project_scaffold"
	ScaffoldIDPrefix = "scaffold"

	stageSelectTemplate   = "selectTemplate"
	stageRequiredAnswers  = "answerQuestion:required"
	stageOptionalAnswers  = "answerQuestion:optional"
	stageFileAnswers      = "fileAnswers"
	stageFileConfirm      = "fileConfirm"
)

// scaffoldTemplate describes one project template: the questions it asks
// and the files it generates, in order.
type scaffoldTemplate struct {
	RequiredQuestions []string
	OptionalQuestions []string
	Files             []string
}

var scaffoldTemplates = map[string]scaffoldTemplate{
	"go-service": {
		RequiredQuestions: []string{"module", "serviceName"},
		OptionalQuestions: []string{"description"},
		Files:             []string{"go.mod", "main.go", "Dockerfile"},
	},
	"cronjob": {
		RequiredQuestions: []string{"name", "schedule"},
		OptionalQuestions: []string{"image"},
		Files:             []string{"cronjob.yaml"},
	},
}

// ScaffoldTemplates returns the available template names.
func ScaffoldTemplates() []string {
	out := make([]string, 0, len(scaffoldTemplates))
	for name := range scaffoldTemplates {
		out = append(out, name)
	}
	return out
}

// NewScaffoldGraph builds the stage graph for the project scaffold wizard.
// After template selection and the question substages, the wizard walks
// the template's file list. Each fileConfirm step may carry the answers
// for the next file (completedFileName + nextFileAnswers), which the
// engine applies as a second transition under the same persisted update.
func NewScaffoldGraph() *workflow.Graph {
	g := workflow.NewGraph(ScaffoldTool, ScaffoldIDPrefix, stageSelectTemplate)

	g.MustRegister(&workflow.FuncStage{
		StageToken: stageSelectTemplate,
		Fields:     []string{"template"},
		ValidateFunc: func(payload workflow.Payload) error {
			name, _ := payload["template"].(string)
			if _, ok := scaffoldTemplates[name]; !ok {
				return workflow.NewInvalidField("template", fmt.Sprintf("unknown template %q", name))
			}
			return nil
		},
		NextFunc: nextStage(stageRequiredAnswers),
	}, "Choose a project template.")

	g.MustRegister(&workflow.FuncStage{
		StageToken: stageRequiredAnswers,
		Fields:     []string{"answers"},
		TransformFunc: func(data workflow.Data, payload workflow.Payload) (map[string]any, error) {
			answers, ok := payload["answers"].(map[string]any)
			if !ok {
				return nil, workflow.NewInvalidField("answers", "answers must be an object")
			}
			tpl := templateFor(data)
			for _, q := range tpl.RequiredQuestions {
				if s, _ := answers[q].(string); s == "" {
					return nil, workflow.NewMissingField(q)
				}
			}
			return map[string]any{"answers": answers}, nil
		},
		NextFunc: nextStage(stageOptionalAnswers),
	}, "Answer the template's required questions.")

	// Optional: an empty payload advances to the file loop.
	g.MustRegister(&workflow.FuncStage{
		StageToken: stageOptionalAnswers,
		TransformFunc: func(_ workflow.Data, payload workflow.Payload) (map[string]any, error) {
			answers, _ := payload["answers"].(map[string]any)
			if answers == nil {
				return map[string]any{}, nil
			}
			return map[string]any{"answers": answers}, nil
		},
		NextFunc: nextStage(stageFileAnswers),
	}, "Optionally answer the template's optional questions.")

	g.MustRegister(&workflow.FuncStage{
		StageToken: stageFileAnswers,
		Fields:     []string{"answers"},
		TransformFunc: func(data workflow.Data, payload workflow.Payload) (map[string]any, error) {
			return storeFileAnswers(data, payload["answers"])
		},
		NextFunc: nextStage(stageFileConfirm),
	}, "Provide the answers for generating the current file.")

	g.MustRegister(&confirmFileStage{}, "Confirm the generated file; you may include the next file's answers.")

	return g
}

// confirmFileStage closes out one file of the scaffold and, via the
// compound round-trip, may carry the next file's answers in the same call.
type confirmFileStage struct{}

func (s *confirmFileStage) Token() string            { return stageFileConfirm }
func (s *confirmFileStage) RequiredFields() []string { return []string{"completedFileName"} }

func (s *confirmFileStage) Validate(workflow.Payload) error { return nil }

func (s *confirmFileStage) Transform(data workflow.Data, payload workflow.Payload) (map[string]any, error) {
	name, _ := payload["completedFileName"].(string)
	current := currentFile(data)
	if current == "" {
		return nil, workflow.NewInvalidField("completedFileName", "all files are already confirmed")
	}
	if name != current {
		return nil, workflow.NewInvalidField("completedFileName",
			fmt.Sprintf("expected confirmation for %q, got %q", current, name))
	}

	completed := completedFiles(data)
	merged := map[string]any{"completed": append(completed, name)}
	return merged, nil
}

func (s *confirmFileStage) Next(data workflow.Data) (string, error) {
	tpl := templateFor(data)
	if len(completedFiles(data)) >= len(tpl.Files) {
		return workflow.Terminal, nil
	}
	return stageFileAnswers, nil
}

// SplitNext implements the completedFileName + nextFileAnswers round-trip:
// when the confirmation also carries nextFileAnswers, those become the
// fileAnswers payload for the next file.
func (s *confirmFileStage) SplitNext(payload workflow.Payload) (workflow.Payload, bool) {
	next, ok := payload["nextFileAnswers"]
	if !ok || next == nil {
		return nil, false
	}
	return workflow.Payload{"answers": next}, true
}

func templateFor(data workflow.Data) scaffoldTemplate {
	name, _ := data[stageSelectTemplate]["template"].(string)
	return scaffoldTemplates[name]
}

func completedFiles(data workflow.Data) []string {
	return toStringList(data[stageFileConfirm]["completed"])
}

// currentFile is the first template file without a confirmation.
func currentFile(data workflow.Data) string {
	tpl := templateFor(data)
	done := len(completedFiles(data))
	if done >= len(tpl.Files) {
		return ""
	}
	return tpl.Files[done]
}

// storeFileAnswers records per-file answers keyed by file name, merging
// with answers for files already collected.
func storeFileAnswers(data workflow.Data, raw any) (map[string]any, error) {
	answers, ok := raw.(map[string]any)
	if !ok {
		return nil, workflow.NewInvalidField("answers", "answers must be an object")
	}
	file := currentFile(data)
	if file == "" {
		return nil, workflow.NewInvalidField("answers", "all files are already confirmed")
	}

	merged := make(map[string]any, len(data[stageFileAnswers])+1)
	for k, v := range data[stageFileAnswers] {
		merged[k] = v
	}
	merged[file] = answers
	return merged, nil
}
