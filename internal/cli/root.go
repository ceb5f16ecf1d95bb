// Package cli implements jobservctl, an admin CLI that signs and sends
// JobServ's privileged calls (spec.md §4.7 "Internal HMAC") during
// local development: trigger a build, promote it, cancel it. Grounded
// on the teacher's internal/cli.NewRootCommand (a thin cobra root with
// global flags) generalized from conductor's workflow subcommands to
// JobServ's build-lifecycle ones.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/foundriesio/jobserv/internal/auth"
)

// globalFlags holds the persistent flags every subcommand reads.
type globalFlags struct {
	server string
	secret string
}

// NewRootCommand builds jobservctl's root cobra command.
func NewRootCommand(version, commit string) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "jobservctl",
		Short:         "Admin CLI for JobServ's privileged HTTP calls",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
	}
	root.PersistentFlags().StringVar(&flags.server, "server", "http://localhost:8080", "JobServ base URL")
	root.PersistentFlags().StringVar(&flags.secret, "internal-api-key", "", "internal HMAC secret (or $INTERNAL_API_KEY)")

	root.AddCommand(newTriggerCmd(flags))
	root.AddCommand(newPromoteCmd(flags))
	root.AddCommand(newCancelCmd(flags))
	root.AddCommand(newAnnotateCmd(flags))

	return root
}

// signedRequest builds and signs an internal HMAC request the way
// spec.md §4.7 describes: X-Time + X-JobServ-Sig = HMAC-SHA1(secret,
// "METHOD,TIME,BASE_URL").
func signedRequest(flags *globalFlags, method, path string, body interface{}) (*http.Request, error) {
	url := flags.server + path
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("jobservctl: encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("jobservctl: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	ts := auth.Now()
	req.Header.Set("X-Time", ts)
	req.Header.Set("X-JobServ-Sig", auth.SignInternal(flags.secret, method, ts, url))
	return req, nil
}

// doSigned sends req and pretty-prints the JSON envelope response.
func doSigned(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("jobservctl: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("jobservctl: read response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("jobservctl: server returned %s", resp.Status)
	}
	return nil
}
