package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"agora/internal/api"
	"agora/internal/identity"
	"agora/pkg/client"
)

var (
	agentEndpoint  string
	agentTransport string
	agentProject   string
)

// agentCmd groups the client-side subcommands an agent process (or a
// human driving one) uses against a running core.
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Interact with a running agora core as an agent",
	Long: `Client-side operations bound to the project's locked identity.

Every subcommand except 'init' reads .agora/identity.yaml from the
project directory and attaches that identity to its calls. Run 'init'
once per project to choose the agent name, then 'register' against the
core to lock it.`,
}

// agentInitCmd writes the per-project identity lock file.
var agentInitCmd = &cobra.Command{
	Use:   "init <agent-name>",
	Short: "Write the project's identity lock file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lf, err := identity.WriteLockFile(agentProject, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "locked agent name %q to %s\n", lf.AgentName, lf.ProjectDirectory)
		return nil
	},
}

var (
	registerRole         string
	registerTier         string
	registerCapabilities []string
)

// agentRegisterCmd registers the locked identity with the core.
var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this project's agent with the core",
	Long: `Registers the locked identity, declaring its role and capabilities.
Capabilities are given as type:proficiency:slots, e.g. build:7:2.
Registration is idempotent: re-running refreshes the capability set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		caps := make([]api.CapabilityDeclaration, 0, len(registerCapabilities))
		for _, spec := range registerCapabilities {
			decl, err := parseCapability(spec)
			if err != nil {
				return err
			}
			caps = append(caps, decl)
		}

		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			agent, err := c.Register(ctx, api.Role(registerRole), api.ServiceTier(registerTier), caps)
			if err != nil {
				return err
			}
			return printJSON(cmd, agent)
		})
	},
}

var (
	sendPayload  string
	sendPriority int
)

// agentSendCmd sends one message.
var agentSendCmd = &cobra.Command{
	Use:   "send <to-agent> <message-type>",
	Short: "Send a message to another agent (or \"*\" to broadcast)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload map[string]interface{}
		if sendPayload != "" {
			if err := json.Unmarshal([]byte(sendPayload), &payload); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			msg, err := c.Send(ctx, args[0], args[1], payload, sendPriority)
			if err != nil {
				return err
			}
			return printJSON(cmd, msg)
		})
	},
}

var eventsLimit int

// agentEventsCmd consumes the next page of the agent's event feed.
var agentEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Consume the next page of this agent's event feed",
	Long: `Reads events past the durable cursor and commits the cursor, which
acknowledges delivery. Each run resumes where the previous one left
off, server-side, even across machines.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			events, err := c.Events(ctx, eventsLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, events)
		})
	},
}

// agentStatusCmd fetches the aggregate system status.
var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the core's aggregate status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			status, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		})
	},
}

// withClient connects, runs fn, and tears the transport down.
func withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	c, err := client.New(client.Options{
		Endpoint:    agentEndpoint,
		Transport:   agentTransport,
		ProjectRoot: agentProject,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

// parseCapability parses a type:proficiency:slots capability spec.
func parseCapability(spec string) (api.CapabilityDeclaration, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 || parts[0] == "" {
		return api.CapabilityDeclaration{}, fmt.Errorf(
			"capability %q must have the form type:proficiency:slots", spec)
	}
	proficiency, err := strconv.Atoi(parts[1])
	if err != nil {
		return api.CapabilityDeclaration{}, fmt.Errorf("capability %q: proficiency must be an integer", spec)
	}
	slots, err := strconv.Atoi(parts[2])
	if err != nil {
		return api.CapabilityDeclaration{}, fmt.Errorf("capability %q: slots must be an integer", spec)
	}
	return api.CapabilityDeclaration{
		CapabilityType:     parts[0],
		ProficiencyLevel:   proficiency,
		MaxConcurrentTasks: slots,
	}, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func init() {
	rootCmd.AddCommand(agentCmd)

	cwd, _ := os.Getwd()
	agentCmd.PersistentFlags().StringVar(&agentEndpoint, "endpoint", "http://localhost:8090/mcp", "Tool server endpoint")
	agentCmd.PersistentFlags().StringVar(&agentTransport, "transport", "streamable-http", "Transport: streamable-http or sse")
	agentCmd.PersistentFlags().StringVar(&agentProject, "project", cwd, "Project directory holding the identity lock file")

	agentRegisterCmd.Flags().StringVar(&registerRole, "role", "WORKER", "Role: OBSERVER, WORKER, SPECIALIST, FRAMEWORK_ADMIN or OVERSEER")
	agentRegisterCmd.Flags().StringVar(&registerTier, "tier", "", "Service tier: basic, premium or enterprise")
	agentRegisterCmd.Flags().StringArrayVar(&registerCapabilities, "capability", nil, "Capability as type:proficiency:slots (repeatable)")

	agentSendCmd.Flags().StringVar(&sendPayload, "payload", "", "Message payload as a JSON object")
	agentSendCmd.Flags().IntVar(&sendPriority, "priority", 0, "Priority 1-5")

	agentEventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "Maximum events per page")

	agentCmd.AddCommand(agentInitCmd, agentRegisterCmd, agentSendCmd, agentEventsCmd, agentStatusCmd)
}
