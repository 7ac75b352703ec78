package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/convene/pkg/launcher"
	"github.com/aixgo-dev/convene/pkg/transport"
)

func newAgentCmd() *cobra.Command {
	var (
		endpoint string
		server   string
		secret   string
		sse      bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Join a session as an agent from an interactive prompt",
		Long: `Connects to a session with an agent secret and opens a prompt for
sending and waiting on messages. Pass either --url (the connection URL
returned at session creation) or --secret with --server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if endpoint == "" {
				if secret == "" {
					return errors.New("either --url or --secret is required")
				}
				mcpURL, sseURL := launcher.Endpoints(server, secret)
				endpoint = mcpURL
				if sse {
					endpoint = sseURL
				}
			}

			var tr mcp.Transport = &mcp.StreamableClientTransport{Endpoint: endpoint, DisableStandaloneSSE: true}
			if sse {
				tr = &mcp.SSEClientTransport{Endpoint: endpoint}
			}

			ctx := cmd.Context()
			client := mcp.NewClient(&mcp.Implementation{Name: "convene-agent", Version: version}, nil)
			cs, err := client.Connect(ctx, tr, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", endpoint, err)
			}
			defer cs.Close()

			repl := &agentREPL{cs: cs, out: cmd.OutOrStdout()}
			return repl.run(ctx)
		},
	}

	cmd.Flags().StringVar(&endpoint, "url", os.Getenv("CONVENE_MCP_URL"), "Agent connection URL")
	cmd.Flags().StringVar(&server, "server", defaultServerURL(), "Server base URL, used with --secret")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("CONVENE_AGENT_SECRET"), "Agent secret")
	cmd.Flags().BoolVar(&sse, "sse", false, "Use the SSE transport instead of streamable HTTP")

	return cmd
}

const agentHelp = `Commands:
  send <thread> <payload>                    post a message
  wait [thread...] [from=a,b] [timeout=30s]  wait for the next message
  agents                                     list visible agents
  claim <amount> [note]                      claim a payment
  close [reason]                             close the session for this agent
  tools                                      list server tools
  help                                       show this help
  quit                                       leave the prompt`

var agentCommands = []string{"agents", "claim", "close", "help", "quit", "send", "tools", "wait"}

// errQuit ends the prompt loop.
var errQuit = errors.New("quit")

// agentREPL executes prompt lines against an MCP session.
type agentREPL struct {
	cs  *mcp.ClientSession
	out io.Writer
}

func (r *agentREPL) run(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var out []string
		for _, c := range agentCommands {
			if strings.HasPrefix(c, input) {
				out = append(out, c)
			}
		}
		return out
	})

	fmt.Fprintln(r.out, "Connected. Type help for commands.")
	for {
		input, err := line.Prompt("convene> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		err = r.exec(ctx, input)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// exec runs one prompt line.
func (r *agentREPL) exec(ctx context.Context, input string) error {
	name, rest := splitWord(input)
	switch name {
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintln(r.out, agentHelp)
		return nil
	case "tools":
		res, err := r.cs.ListTools(ctx, nil)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(res.Tools))
		for _, t := range res.Tools {
			names = append(names, t.Name)
		}
		sort.Strings(names)
		fmt.Fprintln(r.out, strings.Join(names, "\n"))
		return nil
	case "send":
		thread, payload := splitWord(rest)
		if thread == "" || payload == "" {
			return errors.New("usage: send <thread> <payload>")
		}
		var res transport.SendMessageResult
		if err := r.call(ctx, transport.ToolSendMessage, map[string]any{"thread": thread, "payload": payload}, &res); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "sent #%d to %s\n", res.MessageID, res.Thread)
		return nil
	case "wait":
		args, err := parseWaitArgs(rest)
		if err != nil {
			return err
		}
		var res transport.WaitResult
		if err := r.call(ctx, transport.ToolWaitMessage, args, &res); err != nil {
			return err
		}
		if m := res.Message; m != nil {
			fmt.Fprintf(r.out, "[%s] #%d %s: %s\n", m.Thread, m.ID, m.Sender, m.Payload)
		}
		return nil
	case "agents":
		var res transport.ListAgentsResult
		if err := r.call(ctx, transport.ToolListAgents, map[string]any{}, &res); err != nil {
			return err
		}
		for _, a := range res.Agents {
			status := "offline"
			switch {
			case a.Closed:
				status = "closed"
			case a.Waiting:
				status = "waiting"
			case a.Connected:
				status = "online"
			}
			fmt.Fprintf(r.out, "%-16s %-8s %s\n", a.Name, status, a.Description)
		}
		return nil
	case "claim":
		amountText, note := splitWord(rest)
		amount, err := strconv.ParseInt(amountText, 10, 64)
		if err != nil {
			return errors.New("usage: claim <amount> [note]")
		}
		var res transport.ClaimResult
		if err := r.call(ctx, transport.ToolClaimPayment, map[string]any{"amount": amount, "note": note}, &res); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "claimed %d\n", amount)
		return nil
	case "close":
		var res transport.CloseResult
		if err := r.call(ctx, transport.ToolCloseSession, map[string]any{"reason": rest}, &res); err != nil {
			return err
		}
		if res.Ended {
			fmt.Fprintln(r.out, "session ended")
		} else {
			fmt.Fprintln(r.out, "closed, waiting for the other agents")
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q, type help", name)
	}
}

// call invokes a tool and decodes its JSON text result into out.
func (r *agentREPL) call(ctx context.Context, tool string, args map[string]any, out any) error {
	res, err := r.cs.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return err
	}
	var text string
	if len(res.Content) > 0 {
		if tc, ok := res.Content[0].(*mcp.TextContent); ok {
			text = tc.Text
		}
	}
	if res.IsError {
		return errors.New(text)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("decode %s result: %w", tool, err)
	}
	return nil
}

// parseWaitArgs reads "thread... from=a,b timeout=30s".
func parseWaitArgs(s string) (map[string]any, error) {
	args := map[string]any{}
	var threads []string
	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			threads = append(threads, field)
			continue
		}
		switch key {
		case "from":
			args["senders"] = strings.Split(value, ",")
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, fmt.Errorf("timeout: %w", err)
			}
			args["timeoutMs"] = d.Milliseconds()
		default:
			return nil, fmt.Errorf("unknown wait option %q", key)
		}
	}
	if len(threads) > 0 {
		args["threads"] = threads
	}
	return args, nil
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	word, rest, _ := strings.Cut(s, " ")
	return word, strings.TrimSpace(rest)
}
