package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/szaher/agentfront/internal/client"
)

func newInvokeCmd() *cobra.Command {
	var (
		sessionID  string
		userID     string
		input      string
		endpoint   string
		runtimeARN string
		region     string
		apiKey     string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Send one input to a running agent and print the response",
		Long: `Invoke a server directly with --endpoint, or a managed runtime with
--runtime-arn and --region (requests are signed with the default AWS
credential chain).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if input == "" {
				return fmt.Errorf("--input is required")
			}
			if output != "json" && output != "yaml" {
				return fmt.Errorf("unsupported --output %q (expected json or yaml)", output)
			}

			var c *client.Client
			switch {
			case endpoint != "" && runtimeARN != "":
				return fmt.Errorf("--endpoint and --runtime-arn are mutually exclusive")
			case endpoint != "":
				c = client.New(endpoint, client.WithAPIKey(apiKey))
			case runtimeARN != "":
				var err error
				c, err = client.NewRuntime(cmd.Context(), runtimeARN, region)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("one of --endpoint or --runtime-arn is required")
			}

			doc, err := c.Invoke(cmd.Context(), client.Request{
				SessionID: sessionID,
				UserID:    userID,
				Input:     input,
			})
			if err != nil {
				return fmt.Errorf("invocation failed: %w", err)
			}
			return printDocument(cmd.OutOrStdout(), doc, output)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", "", "Conversation session id")
	cmd.Flags().StringVar(&userID, "user-id", "", "Caller user id")
	cmd.Flags().StringVar(&input, "input", "", "Text to send to the agent")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Base URL of a running server")
	cmd.Flags().StringVar(&runtimeARN, "runtime-arn", "", "ARN of a managed agent runtime")
	cmd.Flags().StringVar(&region, "region", os.Getenv("AWS_REGION"), "AWS region of the managed runtime")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("AGENTFRONT_API_KEY"), "API key for --endpoint")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format: json or yaml")

	return cmd
}

func printDocument(w io.Writer, doc json.RawMessage, format string) error {
	if format == "yaml" {
		var v any
		if err := json.Unmarshal(doc, &v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
