// toolmeshctl is an operator CLI for the toolmesh gateway.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bturcanu/toolmesh/pkg/config"
	"github.com/bturcanu/toolmesh/pkg/sdk/client"
	"github.com/bturcanu/toolmesh/pkg/types"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var apiErr *types.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(os.Stderr, "%s: %s\n", apiErr.Code, apiErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

type globals struct {
	gateway   string
	apiKey    string
	userToken string
}

func (g *globals) client() *client.Client {
	return client.New(strings.TrimRight(g.gateway, "/"), g.apiKey)
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "toolmeshctl",
		Short:         "Inspect and drive toolmesh connector deployments",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.gateway, "gateway", config.EnvOr("TOOLMESH_GATEWAY", "http://localhost:8080"), "gateway base URL")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", os.Getenv("TOOLMESH_API_KEY"), "tenant API key")
	root.PersistentFlags().StringVar(&g.userToken, "user-token", "", "per-user connector credential")

	root.AddCommand(
		&cobra.Command{
			Use:   "connectors",
			Short: "List registered connectors",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				out, err := g.client().Connectors(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
		&cobra.Command{
			Use:   "deployments",
			Short: "List the tenant's deployments",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				out, err := g.client().Deployments(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
		&cobra.Command{
			Use:   "targets <deployment>",
			Short: "List selectable query-target values",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := g.client().Targets(cmd.Context(), args[0], g.userToken)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
		newToolsCommand(g),
		newInvokeCommand(g),
		newCheckCommand(g),
		newDictionaryCommand(g),
		newDescribeCommand(g),
		&cobra.Command{
			Use:   "event <event-id>",
			Short: "Show a recorded invocation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := g.client().Event(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			},
		},
	)
	return root
}

func newToolsCommand(g *globals) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "tools <deployment>",
		Short: "List the tools a deployment exposes for a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := jsonFlag("target", target)
			if err != nil {
				return err
			}
			out, err := g.client().Tools(cmd.Context(), args[0], types.ToolsRequest{Target: raw, UserToken: g.userToken})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", `query target as JSON, e.g. '{"projects":["SEC"]}'`)
	return cmd
}

func newInvokeCommand(g *globals) *cobra.Command {
	var (
		target, args, agent, idem string
	)
	cmd := &cobra.Command{
		Use:   "invoke <deployment> <tool>",
		Short: "Invoke one tool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, pos []string) error {
			rawTarget, err := jsonFlag("target", target)
			if err != nil {
				return err
			}
			rawArgs, err := jsonFlag("args", args)
			if err != nil {
				return err
			}
			out, err := g.client().Invoke(cmd.Context(), pos[0], pos[1], types.InvokeRequest{
				AgentID:        agent,
				Target:         rawTarget,
				Args:           rawArgs,
				UserToken:      g.userToken,
				IdempotencyKey: idem,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "query target as JSON")
	cmd.Flags().StringVar(&args, "args", "", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&agent, "agent", "toolmeshctl", "agent id recorded with the invocation")
	cmd.Flags().StringVar(&idem, "idempotency-key", "", "replay key; generated when empty")
	return cmd
}

func newCheckCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check [deployment]",
		Short: "Probe one deployment, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			if len(args) == 0 {
				out, err := c.CheckAll(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}
			ok, err := c.Check(cmd.Context(), args[0], g.userToken)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), types.CheckResponse{DeploymentID: args[0], OK: ok})
		},
	}
}

func newDictionaryCommand(g *globals) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "dictionary <deployment>",
		Short: "Refresh the data dictionary of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.DictionaryRequest{UserToken: g.userToken}
			if prefix != "" {
				req.PathPrefix = strings.Split(prefix, "/")
			}
			out, err := g.client().MergeDictionary(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "slash-separated path prefix, e.g. Eng/Runbooks")
	return cmd
}

func newDescribeCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <deployment> <path> <description>",
		Short: "Set the description of a dictionary path, e.g. Eng/Runbooks",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.client().DescribePath(cmd.Context(), args[0], types.DescribePathRequest{
				Segments:    strings.Split(args[1], "/"),
				Description: args[2],
			})
		},
	}
}

func jsonFlag(name, v string) (json.RawMessage, error) {
	if v == "" {
		return nil, nil
	}
	if !json.Valid([]byte(v)) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(v), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
