package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/dkod-io/dkod-engine/internal/config"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/retry"
)

// Remote calls an external checker service for step types the engine
// cannot run locally (semantic review, agent review). Requests are
// authenticated with OAuth2 client credentials when a token endpoint
// is configured.
type Remote struct {
	baseURL string
	client  *http.Client
	retry   retry.Config
}

// NewRemote creates the remote checker executor, or nil when no base
// URL is configured.
func NewRemote(ctx context.Context, cfg config.CheckerConfig) *Remote {
	if cfg.BaseURL == "" {
		return nil
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = cc.Client(ctx)
	}

	return &Remote{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
		retry:   retry.Defaults(),
	}
}

// transientStatus marks an HTTP failure worth retrying: server-side
// errors and throttling. 4xx verdicts about the request itself are
// permanent.
type transientStatus struct {
	status string
	code   int
}

func (e *transientStatus) Error() string {
	return "checker returned " + e.status
}

// transientCheck retries 5xx and 429 replies plus transport failures;
// other 4xx replies and malformed response bodies are permanent.
func transientCheck(err error) bool {
	var st *transientStatus
	if errors.As(err, &st) {
		return st.code >= http.StatusInternalServerError || st.code == http.StatusTooManyRequests
	}
	var netErr *url.Error
	return errors.As(err, &netErr)
}

type checkRequest struct {
	ChangesetID string            `json:"changeset_id"`
	RepoID      string            `json:"repo_id"`
	BaseVersion string            `json:"base_version"`
	StepType    string            `json:"step_type"`
	Config      map[string]string `json:"config,omitempty"`
}

type checkResponse struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// Execute posts the step to the checker, replaying server-side
// failures and throttling through the retry budget. The request body
// is rebuilt per attempt; a checker that keeps failing surfaces as
// domain.ErrUnavailable rather than a step verdict.
func (r *Remote) Execute(ctx context.Context, job Job, step *domain.VerificationResult) (domain.ResultStatus, string, error) {
	body, err := json.Marshal(checkRequest{
		ChangesetID: job.Changeset.ID.String(),
		RepoID:      job.Changeset.RepoID,
		BaseVersion: job.Changeset.BaseVersion,
		StepType:    step.StepType,
		Config:      step.Config,
	})
	if err != nil {
		return "", "", fmt.Errorf("verify.Remote.Execute: %w", err)
	}

	var out checkResponse
	err = retry.Do(ctx, r.retry, transientCheck, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/check", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &transientStatus{status: resp.Status, code: resp.StatusCode}
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("verify.Remote.Execute: %w", err)
	}

	switch out.Status {
	case "pass":
		return domain.ResultPass, out.Output, nil
	case "fail":
		return domain.ResultFail, out.Output, nil
	case "skip":
		return domain.ResultSkip, out.Output, nil
	default:
		return "", "", fmt.Errorf("verify.Remote.Execute: unknown status %q", out.Status)
	}
}

// NewRegistry wires the default executor set: sandboxed containers for
// local steps, the remote checker for review steps when configured.
// Step types with no executor fail closed if required.
func NewRegistry(sandbox *Sandbox, remote *Remote) Registry {
	reg := Registry{}
	if sandbox != nil {
		for _, t := range []string{"typecheck", "build", "test", "lint", "command"} {
			reg[t] = sandbox
		}
	}
	if remote != nil {
		// human_approve also goes to the checker service, which holds
		// the request open until a reviewer answers.
		for _, t := range []string{"remote", "semantic", "agent_review", "human_approve"} {
			reg[t] = remote
		}
	}
	return reg
}
