package projectdef

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
timeout: 3600
scripts:
  build-script: |
    echo building
triggers:
  - name: push
    type: simple
    params:
      branch: main
    runs:
      - name: build
        host-tag: linux
        script: build-script
        params:
          extra: value
        secrets:
          token: "{{secret}}"
`

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	def, err := Validate([]byte(validYAML))
	require.NoError(t, err)
	require.Len(t, def.Triggers, 1)
	require.NotNil(t, def.GetTrigger("push"))
	require.Nil(t, def.GetTrigger("missing"))
}

func TestValidateRejectsNoTriggers(t *testing.T) {
	_, err := Validate([]byte("triggers: []\n"))
	require.Error(t, err)
}

func TestValidateRejectsMissingTriggerName(t *testing.T) {
	_, err := Validate([]byte(`
triggers:
  - type: simple
    runs:
      - name: build
        host-tag: linux
`))
	require.Error(t, err)
}

func TestValidateRejectsDuplicateRunNames(t *testing.T) {
	_, err := Validate([]byte(`
triggers:
  - name: push
    type: simple
    runs:
      - name: build
        host-tag: linux
      - name: build
        host-tag: linux
`))
	require.Error(t, err)
}

func TestValidateRejectsDuplicateNestedTriggerRunNames(t *testing.T) {
	_, err := Validate([]byte(`
triggers:
  - name: push
    type: simple
    runs:
      - name: build
        host-tag: linux
        triggers:
          - name: nested
            type: simple
            runs:
              - name: child
                host-tag: linux
              - name: child
                host-tag: linux
`))
	require.Error(t, err)
}

func TestMarshalRoundTripsSemantics(t *testing.T) {
	def, err := Validate([]byte(validYAML))
	require.NoError(t, err)

	raw, err := def.Marshal()
	require.NoError(t, err)

	reparsed, err := Validate(raw)
	require.NoError(t, err)
	require.Equal(t, def.Triggers[0].Name, reparsed.Triggers[0].Name)
	require.Equal(t, def.Triggers[0].Runs[0].HostTag, reparsed.Triggers[0].Runs[0].HostTag)
	require.Equal(t, def.Scripts, reparsed.Scripts)
}

func TestBuildRunDefResolvesScriptEnvAndURLs(t *testing.T) {
	def, err := Validate([]byte(validYAML))
	require.NoError(t, err)
	trig := def.GetTrigger("push")
	run := trig.Runs[0]

	rd, err := def.BuildRunDef(run, BuildRunDefParams{
		Project: "proj1", Build: 7, Run: "build-1", APIKey: "key",
		TriggerType: "simple", BaseURL: "https://jobserv.example",
		Params:  trig.Params,
		Secrets: map[string]string{"token": "abc"},
	})
	require.NoError(t, err)
	require.Equal(t, "echo building\n", rd.Script)
	require.Equal(t, "proj1", rd.Env["H_PROJECT"])
	require.Equal(t, "7", rd.Env["H_BUILD"])
	require.Equal(t, "build-1", rd.Env["H_RUN"])
	require.Equal(t, "main", rd.Env["BRANCH"])
	require.Equal(t, "value", rd.Env["EXTRA"])
	require.Equal(t, "https://jobserv.example/projects/proj1/builds/7/runs/build-1/", rd.RunURL)
	require.Equal(t, rd.RunURL, rd.Env["H_TRIGGER_URL"])
	require.Equal(t, "abc", rd.Secrets["token"])
}

func TestBuildRunDefRejectsUndeclaredScript(t *testing.T) {
	def, err := Validate([]byte(validYAML))
	require.NoError(t, err)
	run := RunSpec{Name: "build", HostTag: "linux", Script: "nonexistent"}

	_, err = def.BuildRunDef(run, BuildRunDefParams{Project: "p", Build: 1, Run: "build"})
	require.Error(t, err)
}
