package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/client"
	"github.com/ahmadzakiakmal/herbtrace/portal"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	"github.com/spf13/cobra"
)

// clientFlags are shared by the commands that talk to a running node
type clientFlags struct {
	server string
	userID string
	role   string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.server, "server", "s", "http://localhost:5000", "Portal node base URL")
	cmd.Flags().StringVarP(&f.userID, "user", "u", "cli", "User id sent to the node")
	cmd.Flags().StringVarP(&f.role, "role", "r", "", "Role sent to the node")
}

func (f *clientFlags) client() (*client.HTTPClient, error) {
	who := portal.Identity{UserID: f.userID}
	if f.role != "" {
		role, ok := workflow.ParseRole(f.role)
		if !ok {
			return nil, fmt.Errorf("unknown role %q", f.role)
		}
		who.Role = role
	}
	return client.NewHTTPClient(f.server, who), nil
}

func newSubmitCmd() *cobra.Command {
	var (
		flags     clientFlags
		eventType string
		details   string
		performer string
		address   string
	)
	cmd := &cobra.Command{
		Use:   "submit [batch-id]",
		Short: "Submit the role's event, or open a batch when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			raw, err := readDetails(details)
			if err != nil {
				return err
			}
			event := client.Event{
				Type:      workflow.EventType(eventType),
				Timestamp: time.Now().UTC(),
				Performer: workflow.Performer{ID: flags.userID, Name: performer, Role: c.Identity.Role},
				Location:  workflow.Location{Address: address},
				Details:   raw,
			}

			var sub *portal.Submission
			if len(args) == 0 {
				sub, err = c.CreateBatch(cmd.Context(), event)
			} else {
				sub, err = c.Submit(cmd.Context(), args[0], event)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sub)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&eventType, "type", "t", "", "Event type, defaults to the role's event")
	cmd.Flags().StringVarP(&details, "details", "d", "{}", "Event details as JSON, or @file")
	cmd.Flags().StringVar(&performer, "performer", "", "Performer display name")
	cmd.Flags().StringVar(&address, "address", "", "Location address")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var (
		flags clientFlags
		trace bool
	)
	cmd := &cobra.Command{
		Use:   "batch <batch-id>",
		Short: "Show a batch, or its provenance trail with --trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			if trace {
				t, err := c.Trace(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			}
			b, err := c.Batch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&trace, "trace", false, "Show the provenance trail")
	return cmd
}

func newWorklistCmd() *cobra.Command {
	var (
		flags  clientFlags
		access string
	)
	cmd := &cobra.Command{
		Use:   "worklist <role>",
		Short: "List the batches a portal may view or edit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			list, err := c.Worklist(cmd.Context(), workflow.Role(args[0]), workflow.AccessType(access))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&access, "access", "a", string(workflow.AccessView), "view or edit")
	return cmd
}

func newAccessCmd() *cobra.Command {
	var (
		flags  clientFlags
		access string
	)
	cmd := &cobra.Command{
		Use:   "access <role> <batch-id>",
		Short: "Check whether a role may view or edit a batch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			report, err := c.AccessCheck(cmd.Context(), workflow.Role(args[0]), args[1], workflow.AccessType(access))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&access, "access", "a", string(workflow.AccessView), "view or edit")
	return cmd
}

func readDetails(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if len(arg) > 0 && arg[0] == '@' {
		var err error
		data, err = os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("reading details: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("details must be valid JSON")
	}
	return data, nil
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
