package v1

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dkod-io/dkod-engine/internal/auth"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/server/middleware"
)

// knownStepTypes are the step types an executor can be registered for.
var knownStepTypes = map[string]bool{
	"typecheck":     true,
	"build":         true,
	"test":          true,
	"lint":          true,
	"command":       true,
	"remote":        true,
	"semantic":      true,
	"agent_review":  true,
	"human_approve": true,
}

type PipelineStepInput struct {
	StepOrder int               `json:"step_order" minimum:"0" doc:"Execution position, ascending"`
	StepType  string            `json:"step_type" minLength:"1" doc:"Step kind, e.g. typecheck or test"`
	Config    map[string]string `json:"config,omitempty" doc:"Step-specific settings"`
	Required  bool              `json:"required" doc:"Whether failure rejects the changeset"`
}

type GetPipelineInput struct {
	RepoID string `path:"repo" doc:"Repo ID"`
}

type PutPipelineInput struct {
	RepoID string `path:"repo" doc:"Repo ID"`
	Body   struct {
		Steps []PipelineStepInput `json:"steps" doc:"Full replacement pipeline; empty restores the default"`
	}
}

type PipelineOutput struct {
	Body struct {
		RepoID string                 `json:"repo_id"`
		Source string                 `json:"source" enum:"configured,default" doc:"Whether the steps are configured or the built-in default"`
		Steps  []*domain.PipelineStep `json:"steps"`
	}
}

func RegisterPipelineRoutes(api huma.API, pipelines domain.PipelineRepository) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/repos/{repo}/pipeline",
		Summary:     "Get the repo's effective verification pipeline",
		Tags:        []string{"Pipelines"},
	}, func(ctx context.Context, input *GetPipelineInput) (*PipelineOutput, error) {
		steps, err := pipelines.ListSteps(ctx, input.RepoID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load pipeline", err)
		}

		out := &PipelineOutput{}
		out.Body.RepoID = input.RepoID
		out.Body.Source = "configured"
		out.Body.Steps = steps
		if len(steps) == 0 {
			out.Body.Source = "default"
			out.Body.Steps = domain.DefaultPipeline(input.RepoID)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-pipeline",
		Method:      http.MethodPut,
		Path:        "/repos/{repo}/pipeline",
		Summary:     "Replace the repo's verification pipeline",
		Tags:        []string{"Pipelines"},
	}, func(ctx context.Context, input *PutPipelineInput) (*PipelineOutput, error) {
		// GET and PUT share this path group, so the admin gate lives
		// here instead of in route middleware.
		if scope, _ := middleware.ScopeFromContext(ctx); scope != auth.ScopeAdmin {
			return nil, huma.Error403Forbidden("pipeline administration requires admin scope")
		}

		seen := make(map[int]bool, len(input.Body.Steps))
		steps := make([]*domain.PipelineStep, 0, len(input.Body.Steps))
		for i, s := range input.Body.Steps {
			if !knownStepTypes[s.StepType] {
				return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("steps[%d]: unknown step type %q", i, s.StepType))
			}
			if seen[s.StepOrder] {
				return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("steps[%d]: duplicate step_order %d", i, s.StepOrder))
			}
			seen[s.StepOrder] = true

			steps = append(steps, &domain.PipelineStep{
				RepoID:    input.RepoID,
				StepOrder: s.StepOrder,
				StepType:  s.StepType,
				Config:    s.Config,
				Required:  s.Required,
			})
		}

		if err := pipelines.ReplaceSteps(ctx, input.RepoID, steps); err != nil {
			return nil, huma.Error500InternalServerError("failed to replace pipeline", err)
		}

		out := &PipelineOutput{}
		out.Body.RepoID = input.RepoID
		out.Body.Source = "configured"
		out.Body.Steps = steps
		if len(steps) == 0 {
			out.Body.Source = "default"
			out.Body.Steps = domain.DefaultPipeline(input.RepoID)
		}
		return out, nil
	})
}
