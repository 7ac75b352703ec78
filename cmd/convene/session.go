package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/convene/internal/api"
	"github.com/aixgo-dev/convene/pkg/security"
	"github.com/aixgo-dev/convene/pkg/session"
)

type sessionFlags struct {
	server string
	apiKey string
	output string
}

func (f *sessionFlags) client() *adminClient {
	return newAdminClient(f.server, f.apiKey)
}

func newSessionCmd() *cobra.Command {
	flags := &sessionFlags{}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, inspect and end sessions on a running server",
	}

	cmd.PersistentFlags().StringVar(&flags.server, "server", defaultServerURL(), "Server base URL")
	cmd.PersistentFlags().StringVar(&flags.apiKey, "api-key", os.Getenv("CONVENE_API_KEY"), "Admin API key")
	cmd.PersistentFlags().StringVarP(&flags.output, "output", "o", "table", "Output format: table or json")

	cmd.AddCommand(newSessionCreateCmd(flags))
	cmd.AddCommand(newSessionGetCmd(flags))
	cmd.AddCommand(newSessionListCmd(flags))
	cmd.AddCommand(newSessionEndCmd(flags))

	return cmd
}

func newSessionCreateCmd(flags *sessionFlags) *cobra.Command {
	var (
		file      string
		namespace string
		id        string
	)

	cmd := &cobra.Command{
		Use:   "create -f request.yaml",
		Short: "Create a session from a YAML or JSON request file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readCreateRequest(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if namespace != "" {
				req.Namespace = namespace
			}
			if id != "" {
				req.SessionID = id
			}

			var resp api.CreateResponse
			if err := flags.client().do(cmd.Context(), http.MethodPost, "/api/v1/sessions", nil, req, &resp); err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s/%s created.\n\n", resp.Namespace, resp.SessionID)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tSECRET\tCONNECTION URL")
			for _, a := range resp.Agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, a.Secret, a.ConnectionURL)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Request file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "Override the request namespace")
	cmd.Flags().StringVar(&id, "id", "", "Override the request session id")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// readCreateRequest reads a request file. Files ending in .json are decoded
// strictly as JSON with the API's field names; anything else as YAML.
func readCreateRequest(path string, stdin io.Reader) (session.CreateRequest, error) {
	var req session.CreateRequest

	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return req, err
		}
		defer f.Close()
		r = f
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(io.LimitReader(r, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, fmt.Errorf("parse %s: %w", path, err)
		}
		return req, nil
	}

	limits := security.DefaultYAMLLimits()
	limits.MaxFileSize = 1 << 20
	limits.KnownFields = true
	if err := security.NewSafeYAMLParser(limits).UnmarshalYAMLFromReader(r, &req); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	return req, nil
}

func newSessionGetCmd(flags *sessionFlags) *cobra.Command {
	var messages bool

	cmd := &cobra.Command{
		Use:   "get namespace/id",
		Short: "Show the state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := sessionPath(args[0])
			if err != nil {
				return err
			}
			q := url.Values{}
			if messages {
				q.Set("messages", "true")
			}

			var st session.SessionState
			if err := flags.client().do(cmd.Context(), http.MethodGet, path, q, nil, &st); err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printState(cmd.OutOrStdout(), st, messages)
		},
	}

	cmd.Flags().BoolVar(&messages, "messages", false, "Include thread messages")
	return cmd
}

func newSessionListCmd(flags *sessionFlags) *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live and archived sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if namespace != "" {
				q.Set("namespace", namespace)
			}

			var resp api.ListResponse
			if err := flags.client().do(cmd.Context(), http.MethodGet, "/api/v1/sessions", q, nil, &resp); err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}

			if len(resp.Sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAMESPACE\tID\tSTATE\tAGENTS\tTHREADS\tCREATED")
			for _, st := range resp.Sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					st.Namespace, st.ID, st.State, len(st.Agents), len(st.Threads),
					st.Timestamp.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Only list sessions of this namespace")
	return cmd
}

func newSessionEndCmd(flags *sessionFlags) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "end namespace/id",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := sessionPath(args[0])
			if err != nil {
				return err
			}
			q := url.Values{}
			if reason != "" {
				q.Set("reason", reason)
			}

			var st session.SessionState
			if err := flags.client().do(cmd.Context(), http.MethodDelete, path, q, nil, &st); err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s ended.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the end of the session")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printState(w io.Writer, st session.SessionState, messages bool) error {
	fmt.Fprintf(w, "Session:  %s/%s\n", st.Namespace, st.ID)
	fmt.Fprintf(w, "State:    %s\n", st.State)
	if st.EndReason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", st.EndReason)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tCONNECTED\tWAITING\tCLOSED\tLINKS")
	for _, a := range st.Agents {
		fmt.Fprintf(tw, "%s\t%t\t%t\t%t\t%s\n", a.Name, a.Connected, a.Waiting, a.Closed, strings.Join(a.Links, ","))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "THREAD\tMEMBERS\tMESSAGES")
	for _, t := range st.Threads {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", t.Name, strings.Join(t.Members, ","), t.MessageCount)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !messages {
		return nil
	}
	for _, t := range st.Threads {
		if len(t.Messages) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n[%s]\n", t.Name)
		for _, m := range t.Messages {
			fmt.Fprintf(w, "  %s %s: %s\n", m.Timestamp.Format("15:04:05"), m.Sender, m.Payload)
		}
	}
	return nil
}
