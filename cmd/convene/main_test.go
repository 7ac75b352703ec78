package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/convene/internal/api"
	"github.com/aixgo-dev/convene/pkg/session"
	"github.com/aixgo-dev/convene/pkg/transport"
)

const requestYAML = `namespace: lab
session_id: s1
agents:
  - name: A
  - name: B
groups:
  - name: main
    members: [A, B]
settings:
  ttl: 10m
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestReadCreateRequest(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		errMsg  string
	}{
		{name: "yaml", file: "req.yaml", content: requestYAML},
		{name: "json", file: "req.json", content: `{"namespace":"lab","sessionId":"s1","agents":[{"name":"A"},{"name":"B"}],"groups":[{"name":"main","members":["A","B"]}],"settings":{"ttl":"10m"}}`},
		{name: "yaml unknown field", file: "req.yaml", content: "namespace: lab\nagnets: []\n", errMsg: "agnets"},
		{name: "json unknown field", file: "req.json", content: `{"namespace":"lab","agnets":[]}`, errMsg: "agnets"},
		{name: "yaml syntax", file: "req.yml", content: "agents: [", errMsg: "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := readCreateRequest(writeFile(t, tt.file, tt.content), nil)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "lab", req.Namespace)
			assert.Equal(t, "s1", req.SessionID)
			assert.Len(t, req.Agents, 2)
			require.Len(t, req.Groups, 1)
			assert.Equal(t, []string{"A", "B"}, req.Groups[0].Members)
			assert.Equal(t, 10*time.Minute, req.Settings.TTL.Std())
		})
	}

	t.Run("stdin", func(t *testing.T) {
		req, err := readCreateRequest("-", strings.NewReader(requestYAML))
		require.NoError(t, err)
		assert.Equal(t, "s1", req.SessionID)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readCreateRequest(filepath.Join(t.TempDir(), "nope.yaml"), nil)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestSessionPath(t *testing.T) {
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "lab/s1", want: "/api/v1/sessions/lab/s1"},
		{ref: "s1", wantErr: true},
		{ref: "/s1", wantErr: true},
		{ref: "lab/", wantErr: true},
		{ref: "lab/s1/extra", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := sessionPath(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionCommands(t *testing.T) {
	mgr := session.NewManager()
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	srv := httptest.NewServer(api.New(mgr, api.WithPublicURL("http://convene.test")))
	t.Cleanup(srv.Close)

	file := writeFile(t, "req.yaml", requestYAML)

	out, err := runCLI(t, "session", "--server", srv.URL, "create", "-f", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Session lab/s1 created.")
	assert.Contains(t, out, "http://convene.test/agents/")

	out, err = runCLI(t, "session", "--server", srv.URL, "create", "-f", file)
	var ae *apiError
	require.True(t, errors.As(err, &ae), "err = %v", err)
	assert.Equal(t, "session_exists", ae.Code)
	assert.Empty(t, out)

	out, err = runCLI(t, "session", "--server", srv.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "lab")
	assert.Contains(t, out, "created")

	out, err = runCLI(t, "session", "--server", srv.URL, "get", "lab/s1")
	require.NoError(t, err)
	assert.Contains(t, out, "State:    created")
	assert.Contains(t, out, "main")

	out, err = runCLI(t, "session", "--server", srv.URL, "end", "lab/s1", "--reason", "done")
	require.NoError(t, err)
	assert.Contains(t, out, "Session lab/s1 ended.")

	out, err = runCLI(t, "session", "--server", srv.URL, "-o", "json", "get", "lab/s1")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "ended"`)
	assert.Contains(t, out, `"endReason": "done"`)

	_, err = runCLI(t, "session", "--server", srv.URL, "get", "lab/missing")
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "not_found", ae.Code)

	_, err = runCLI(t, "session", "--server", srv.URL, "get", "missing")
	assert.ErrorContains(t, err, "namespace/id")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "convene version dev (commit none)\n", out)
}

func TestLoadServeConfig(t *testing.T) {
	cfg, err := loadServeConfig("", ":9000", "debug")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:9000", cfg.Server.PublicURL)
	assert.Equal(t, "debug", cfg.Log.Level)

	path := writeFile(t, "convene.yaml", "server:\n  addr: \":8081\"\n  public_url: https://convene.example.com\n")
	cfg, err = loadServeConfig(path, ":9000", "")
	require.NoError(t, err)
	assert.Equal(t, "https://convene.example.com", cfg.Server.PublicURL)
	assert.Equal(t, "info", cfg.Log.Level)

	_, err = loadServeConfig("", "", "")
	require.NoError(t, err)
}

func TestParseWaitArgs(t *testing.T) {
	args, err := parseWaitArgs("main side from=A,C timeout=1500ms")
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "side"}, args["threads"])
	assert.Equal(t, []string{"A", "C"}, args["senders"])
	assert.Equal(t, int64(1500), args["timeoutMs"])

	args, err = parseWaitArgs("")
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = parseWaitArgs("timeout=soon")
	assert.Error(t, err)
	_, err = parseWaitArgs("color=red")
	assert.ErrorContains(t, err, "unknown wait option")
}

func newREPLs(t *testing.T) (map[string]*agentREPL, map[string]*bytes.Buffer) {
	t.Helper()

	mgr := session.NewManager()
	binder := transport.NewBinder(mgr, transport.NewToolset(mgr, transport.WithWaitLimits(time.Second, 5*time.Second)))
	mgr.AddSink(binder)
	srv := httptest.NewServer(transport.NewHTTPHandler(binder))
	t.Cleanup(func() {
		srv.Close()
		binder.Close()
		_ = mgr.Shutdown(context.Background())
	})

	sess, err := mgr.CreateSession(context.Background(), session.CreateRequest{
		Namespace: "lab",
		Agents:    []session.AgentSpec{{Name: "A", Description: "writer"}, {Name: "B"}},
		Groups:    []session.Group{{Name: "main", Members: []string{"A", "B"}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	repls := map[string]*agentREPL{}
	outs := map[string]*bytes.Buffer{}
	for _, name := range sess.Agents() {
		a, err := sess.Agent(name)
		require.NoError(t, err)
		client := mcp.NewClient(&mcp.Implementation{Name: name, Version: "v0.0.1"}, nil)
		cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{
			Endpoint:             srv.URL + "/agents/" + a.Secret() + "/mcp",
			DisableStandaloneSSE: true,
		}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = cs.Close() })

		outs[name] = &bytes.Buffer{}
		repls[name] = &agentREPL{cs: cs, out: outs[name]}
	}
	return repls, outs
}

func TestAgentREPL(t *testing.T) {
	repls, outs := newREPLs(t)
	ctx := context.Background()
	a, b := repls["A"], repls["B"]

	require.NoError(t, a.exec(ctx, "send main hello there"))
	assert.Contains(t, outs["A"].String(), "to main")

	require.NoError(t, b.exec(ctx, "wait main from=A timeout=1s"))
	assert.Contains(t, outs["B"].String(), "A: hello there")

	err := b.exec(ctx, "wait timeout=50ms")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), transport.CodeTimeout), err.Error())

	outs["A"].Reset()
	require.NoError(t, a.exec(ctx, "agents"))
	assert.Contains(t, outs["A"].String(), "writer")
	assert.Contains(t, outs["A"].String(), "B ")

	require.NoError(t, a.exec(ctx, "tools"))
	assert.Contains(t, outs["A"].String(), transport.ToolClaimPayment)

	require.NoError(t, a.exec(ctx, "claim 5 for the draft"))
	assert.Contains(t, outs["A"].String(), "claimed 5")

	assert.ErrorContains(t, a.exec(ctx, "claim lots"), "usage")
	assert.ErrorContains(t, a.exec(ctx, "send main"), "usage")
	assert.ErrorContains(t, a.exec(ctx, "send side hi"), transport.CodeThreadNotFound)
	assert.ErrorContains(t, a.exec(ctx, "dance"), "unknown command")

	require.NoError(t, a.exec(ctx, "help"))
	assert.Contains(t, outs["A"].String(), "Commands:")

	require.NoError(t, b.exec(ctx, "close done"))
	assert.Contains(t, outs["B"].String(), "session ended")

	assert.ErrorIs(t, a.exec(ctx, "quit"), errQuit)
}
