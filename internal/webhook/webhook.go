// Package webhook resolves the ProjectTrigger whose webhook-key signs an
// inbound GitHub/GitLab payload, then extracts the parameters
// (pr_number, branch, ref, ...) the trigger pipeline turns into RunDef
// params (spec.md §4.3, §9 "Dynamic dispatch over trigger types").
//
// Extraction is driven by gojq expressions rather than a hand-rolled
// struct per provider event shape, grounded on the teacher's
// internal/jq.Executor (itchyny/gojq wrapped with a timeout and input
// size limit).
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itchyny/gojq"

	"github.com/foundriesio/jobserv/internal/auth"
	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	"github.com/foundriesio/jobserv/internal/store"
)

const (
	execTimeout  = 1 * time.Second
	maxBodyBytes = 5 * 1024 * 1024
)

// Kind identifies a webhook source.
type Kind string

const (
	KindGitHub Kind = "github_pr"
	KindGitLab Kind = "gitlab_mr"
)

// FieldExtractors are the fixed jq expressions each Kind extracts,
// applied to the decoded JSON body. Field names match the RunDef params
// spec.md §4.3 says a webhook-sourced build carries.
var FieldExtractors = map[Kind]map[string]string{
	KindGitHub: {
		"pr_number": ".number // .pull_request.number",
		"branch":    ".pull_request.head.ref // .ref",
		"ref":       ".pull_request.head.sha // .after",
		"action":    ".action",
		"repo":      ".repository.full_name",
	},
	KindGitLab: {
		"pr_number": ".object_attributes.iid",
		"branch":    ".object_attributes.source_branch",
		"ref":       ".object_attributes.last_commit.id",
		"action":    ".object_attributes.action",
		"repo":      ".project.path_with_namespace",
	},
}

// Resolved is a matched trigger plus the parameters extracted from its
// webhook body, ready to pass into the trigger pipeline as params.
type Resolved struct {
	Trigger *store.ProjectTrigger
	Params  map[string]string
}

// Resolve tries every trigger of kind against body's signature (spec.md
// §4.7: "Trigger resolution tries every trigger of the right type until
// one validates") using its plaintext webhook-key, then extracts kind's
// fields.
func Resolve(ctx context.Context, kind Kind, triggers []*store.ProjectTrigger, body []byte, sigHeader string) (*Resolved, error) {
	var matchErr error
	for _, t := range triggers {
		if t.Type != string(kind) {
			continue
		}
		if err := auth.VerifyWebhookSignature(sigHeader, body, t.WebhookKey); err != nil {
			matchErr = err
			continue
		}

		params, err := extract(ctx, kind, body)
		if err != nil {
			return nil, fmt.Errorf("webhook: extract fields: %w", err)
		}
		return &Resolved{Trigger: t, Params: params}, nil
	}

	if matchErr == nil {
		matchErr = fmt.Errorf("no %s trigger configured", kind)
	}
	return nil, &jobservErrors.AuthInvalidError{Message: fmt.Sprintf("no matching trigger validated webhook signature: %v", matchErr)}
}

// extract runs kind's jq expressions against body and stringifies each
// result (RunDef params are strings; spec.md §3).
func extract(ctx context.Context, kind Kind, body []byte) (map[string]string, error) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	out := map[string]string{}
	for field, expr := range FieldExtractors[kind] {
		v, err := runJQ(execCtx, expr, data)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		if v == nil {
			continue
		}
		out[field] = stringify(v)
	}
	return out, nil
}

func runJQ(ctx context.Context, expr string, data interface{}) (interface{}, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	iter := code.Run(data)
	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)
	go func() {
		v, ok := iter.Next()
		if !ok {
			resultCh <- nil
			return
		}
		if e, isErr := v.(error); isErr {
			errCh <- e
			return
		}
		resultCh <- v
	}()

	select {
	case v := <-resultCh:
		return v, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("jq execution timed out")
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// ReadBody reads and size-limits an inbound webhook's body (spec.md §6
// HTTP surface, POST /github/<p>/ and POST /gitlab/<p>/).
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("webhook: read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("webhook: body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

// StatusReporter posts a build's terminal status back to the origin
// forge (spec.md §9 "each variant supplies a strategy object with
// ReportStatus"). GitHub and GitLab have distinct commit-status APIs;
// both are no-ops unless a token is configured, matching the original's
// best-effort behavior.
type StatusReporter interface {
	ReportStatus(ctx context.Context, repo, ref, state, description, targetURL string) error
}

// NoopReporter is used when no forge token is configured for a project.
type NoopReporter struct{}

// ReportStatus does nothing.
func (NoopReporter) ReportStatus(context.Context, string, string, string, string, string) error {
	return nil
}
