// Package projectdef validates project definition YAML and resolves a
// trigger's run entries into fully materialized RunDefs (spec.md §4.2,
// "L2"). The YAML shape mirrors the teacher's workflow.Definition
// (pkg/workflow/definition.go): a top-level struct decorated with
// `yaml:"..."` tags, parsed with gopkg.in/yaml.v3 and hand-validated
// rather than schema-validated, since JobServ's definition tree is far
// shallower than the teacher's workflow DSL.
package projectdef

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
)

// ProjDef is the parsed, validated project definition tree.
type ProjDef struct {
	Timeout  int               `yaml:"timeout,omitempty"`
	Email    *EmailConfig      `yaml:"email,omitempty"`
	Scripts  map[string]string `yaml:"scripts,omitempty"`
	Triggers []Trigger         `yaml:"triggers"`
}

// EmailConfig names who gets notified of build completion.
type EmailConfig struct {
	Users []string `yaml:"users,omitempty"`
	OnlyFailures bool `yaml:"only-failures,omitempty"`
}

// Trigger is one named entry in the triggers list.
type Trigger struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Params are static key/value pairs available to RunDef resolution
	// and to Condition evaluation.
	Params map[string]string `yaml:"params,omitempty"`

	// RunNames is a format string applied to each run's declared name
	// before uniqueness is checked: "{name}" is the declared name and
	// "{<key>}" the trigger parameter <key> (e.g. "{name}-{branch}").
	RunNames string `yaml:"run-names,omitempty"`

	// Condition is evaluated (expr-lang/expr) against Params before this
	// trigger's runs are materialized; a falsy result skips run
	// creation without failing the build. Supplements spec.md — see
	// DESIGN.md's entry on trigger conditions.
	Condition string `yaml:"condition,omitempty"`

	Runs []RunSpec `yaml:"runs"`
}

// RunSpec is one run entry declared under a trigger.
type RunSpec struct {
	Name    string `yaml:"name"`
	HostTag string `yaml:"host-tag"`

	Container string `yaml:"container"`
	Script    string `yaml:"script"` // key into ProjDef.Scripts

	Params  map[string]string `yaml:"params,omitempty"`
	Secrets map[string]string `yaml:"secrets,omitempty"`

	PersistentVolumes []VolumeSpec `yaml:"persistent-volumes,omitempty"`
	SharedVolumes     []VolumeSpec `yaml:"shared-volumes,omitempty"`

	MaxMemBytes int64 `yaml:"max-mem-bytes,omitempty"`

	// Triggers declares chained triggers run after this run completes.
	Triggers []Trigger `yaml:"triggers,omitempty"`
}

// VolumeSpec describes a container mount.
type VolumeSpec struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// RunDef is the fully resolved execution descriptor sent to a worker
// (spec.md §4.2 BuildRunDef, §4.4 dispatch-time URL rewriting).
type RunDef struct {
	Container string            `yaml:"container" json:"container"`
	Script    string            `yaml:"script" json:"script"`
	Env       map[string]string `yaml:"env" json:"env"`
	Secrets   map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	HostTag   string            `yaml:"host-tag" json:"host_tag"`

	RunURL      string `yaml:"run_url" json:"run_url"`
	RunnerURL   string `yaml:"runner_url" json:"runner_url"`
	APIKey      string `yaml:"api_key" json:"api_key"`
	TriggerType string `yaml:"trigger_type" json:"trigger_type"`

	SharedVolumes     []VolumeSpec `yaml:"shared-volumes,omitempty" json:"shared_volumes,omitempty"`
	PersistentVolumes []VolumeSpec `yaml:"persistent-volumes,omitempty" json:"persistent_volumes,omitempty"`
	MaxMemBytes       int64        `yaml:"max-mem-bytes,omitempty" json:"max_mem_bytes,omitempty"`
}

const (
	envProject   = "H_PROJECT"
	envBuild     = "H_BUILD"
	envRun       = "H_RUN"
	envTriggerURL = "H_TRIGGER_URL"
)

// Validate parses and validates raw project-definition YAML, rejecting
// duplicate run names within a trigger (spec.md §4.2).
func Validate(raw []byte) (*ProjDef, error) {
	var def ProjDef
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, &jobservErrors.ValidationError{Field: "project definition", Message: err.Error()}
	}
	if len(def.Triggers) == 0 {
		return nil, &jobservErrors.ValidationError{Field: "triggers", Message: "at least one trigger is required"}
	}
	for _, t := range def.Triggers {
		if err := validateTrigger(t); err != nil {
			return nil, err
		}
	}
	return &def, nil
}

func validateTrigger(t Trigger) error {
	if t.Name == "" {
		return &jobservErrors.ValidationError{Field: "triggers[].name", Message: "trigger name is required"}
	}
	if t.Type == "" {
		return &jobservErrors.ValidationError{Field: "triggers[].type", Message: "trigger type is required"}
	}
	seen := map[string]bool{}
	for _, r := range t.Runs {
		if r.Name == "" {
			return &jobservErrors.ValidationError{Field: "runs[].name", Message: "run name is required"}
		}
		if seen[r.Name] {
			return &jobservErrors.ValidationError{
				Field:   "runs[].name",
				Message: fmt.Sprintf("duplicate run name %q within trigger %q", r.Name, t.Name),
			}
		}
		seen[r.Name] = true
		for _, nested := range r.Triggers {
			if err := validateTrigger(nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetTrigger returns the named trigger, or nil if absent.
func (d *ProjDef) GetTrigger(name string) *Trigger {
	for i := range d.Triggers {
		if d.Triggers[i].Name == name {
			return &d.Triggers[i]
		}
	}
	return nil
}

// BuildRunDefParams carries everything BuildRunDef needs beyond the
// static ProjDef/RunSpec/Trigger tree: values computed by the trigger
// pipeline at materialization time.
type BuildRunDefParams struct {
	Project     string
	Build       int64
	Run         string
	APIKey      string
	TriggerType string
	BaseURL     string // scheme://host the caller is reaching JobServ on
	Params      map[string]string
	Secrets     map[string]string
}

// BuildRunDef fully resolves run's execution descriptor, per spec.md
// §4.2: container image, script body (looked up in def.Scripts), merged
// env/secrets (caller-supplied secrets override the run's own), resolved
// host_tag, callback URLs, and the H_PROJECT/H_BUILD/H_RUN/H_TRIGGER_URL
// environment variables workers expect. The run_url and runner_url
// callback URLs are plain URLs; they carry no signature.
func (d *ProjDef) BuildRunDef(run RunSpec, p BuildRunDefParams) (*RunDef, error) {
	script := run.Container
	if run.Script != "" {
		body, ok := d.Scripts[run.Script]
		if !ok {
			return nil, &jobservErrors.ValidationError{
				Field:   "runs[].script",
				Message: fmt.Sprintf("no such script %q declared in scripts", run.Script),
			}
		}
		script = body
	}

	env := map[string]string{
		envProject: p.Project,
		envBuild:   fmt.Sprintf("%d", p.Build),
		envRun:     p.Run,
	}
	for k, v := range p.Params {
		env[strings.ToUpper(k)] = v
	}
	for k, v := range run.Params {
		env[strings.ToUpper(k)] = v
	}

	secrets := map[string]string{}
	for k, v := range run.Secrets {
		secrets[k] = v
	}
	for k, v := range p.Secrets {
		secrets[k] = v
	}

	runURL := fmt.Sprintf("%s/projects/%s/builds/%d/runs/%s/", p.BaseURL, p.Project, p.Build, p.Run)
	runnerURL := fmt.Sprintf("%s/runners/%s/", p.BaseURL, p.Run)
	env[envTriggerURL] = runURL

	return &RunDef{
		Container:         run.Container,
		Script:            script,
		Env:               env,
		Secrets:           secrets,
		HostTag:           run.HostTag,
		RunURL:            runURL,
		RunnerURL:         runnerURL,
		APIKey:            p.APIKey,
		TriggerType:       p.TriggerType,
		SharedVolumes:     run.SharedVolumes,
		PersistentVolumes: run.PersistentVolumes,
		MaxMemBytes:       run.MaxMemBytes,
	}, nil
}

// Marshal round-trips a ProjDef back to YAML (spec.md §8: "A validated
// Project Definition round-trips through YAML serialise/parse without
// semantic change").
func (d *ProjDef) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
