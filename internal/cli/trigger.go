package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func resolveSecret(flags *globalFlags) string {
	if flags.secret != "" {
		return flags.secret
	}
	return os.Getenv("INTERNAL_API_KEY")
}

// newTriggerCmd implements `jobservctl trigger` (spec.md §6 "POST
// /projects/<p>/builds/"): signs and sends a build-trigger request.
func newTriggerCmd(flags *globalFlags) *cobra.Command {
	var (
		project       string
		triggerName   string
		reason        string
		queuePriority int
		defPath       string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a build for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.secret = resolveSecret(flags)
			if flags.secret == "" {
				return fmt.Errorf("jobservctl: --internal-api-key or $INTERNAL_API_KEY is required")
			}
			var projDef string
			if defPath != "" {
				raw, err := os.ReadFile(defPath)
				if err != nil {
					return fmt.Errorf("jobservctl: read project definition: %w", err)
				}
				projDef = string(raw)
			}
			body := map[string]interface{}{
				"trigger-name":       triggerName,
				"reason":             reason,
				"queue-priority":     queuePriority,
				"project-definition": projDef,
			}
			req, err := signedRequest(flags, "POST", fmt.Sprintf("/projects/%s/builds/", project), body)
			if err != nil {
				return err
			}
			return doSigned(req)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().StringVar(&triggerName, "trigger-name", "", "trigger name within the project definition")
	cmd.Flags().StringVar(&reason, "reason", "", "human-readable reason for this build")
	cmd.Flags().IntVar(&queuePriority, "queue-priority", 0, "queue priority for runs in this build")
	cmd.Flags().StringVar(&defPath, "project-definition", "", "path to a project.yml to submit with the trigger")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("trigger-name")

	return cmd
}

// newPromoteCmd implements `jobservctl promote` (spec.md §6 "POST
// .../promote").
func newPromoteCmd(flags *globalFlags) *cobra.Command {
	var (
		project    string
		buildID    int
		name       string
		annotation string
	)

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote a completed build",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.secret = resolveSecret(flags)
			if flags.secret == "" {
				return fmt.Errorf("jobservctl: --internal-api-key or $INTERNAL_API_KEY is required")
			}
			body := map[string]interface{}{"name": name, "annotation": annotation}
			req, err := signedRequest(flags, "POST", fmt.Sprintf("/projects/%s/builds/%d/promote", project, buildID), body)
			if err != nil {
				return err
			}
			return doSigned(req)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().IntVar(&buildID, "build", 0, "build id")
	cmd.Flags().StringVar(&name, "name", "", "promoted build name, unique within the project")
	cmd.Flags().StringVar(&annotation, "annotation", "", "promotion annotation")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("build")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// newCancelCmd implements `jobservctl cancel` (spec.md §6 "POST
// .../cancel"). Cancel is not internally signed in spec.md's HTTP
// surface list, but jobservctl sends it the same way for symmetry with
// the project's other admin calls.
func newCancelCmd(flags *globalFlags) *cobra.Command {
	var (
		project string
		buildID int
	)

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a running build",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.secret = resolveSecret(flags)
			req, err := signedRequest(flags, "POST", fmt.Sprintf("/projects/%s/builds/%d/cancel", project, buildID), nil)
			if err != nil {
				return err
			}
			return doSigned(req)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().IntVar(&buildID, "build", 0, "build id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("build")

	return cmd
}

// newAnnotateCmd implements `jobservctl annotate` (spec.md §6 "PATCH
// .../builds/<id>/").
func newAnnotateCmd(flags *globalFlags) *cobra.Command {
	var (
		project    string
		buildID    int
		annotation string
	)

	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Set a build's annotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.secret = resolveSecret(flags)
			if flags.secret == "" {
				return fmt.Errorf("jobservctl: --internal-api-key or $INTERNAL_API_KEY is required")
			}
			body := map[string]interface{}{"annotation": annotation}
			req, err := signedRequest(flags, "PATCH", fmt.Sprintf("/projects/%s/builds/%d/", project, buildID), body)
			if err != nil {
				return err
			}
			return doSigned(req)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().IntVar(&buildID, "build", 0, "build id")
	cmd.Flags().StringVar(&annotation, "annotation", "", "new annotation")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("build")

	return cmd
}
