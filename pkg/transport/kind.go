// Package transport binds agent wire connections to session agents and
// serves the agent tool surface over MCP.
package transport

import (
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Kind is the wire flavor of a transport binding.
type Kind uint8

const (
	// Streaming is a long-lived server-sent event stream. Inbound messages
	// arrive on a side endpoint keyed by the stream id.
	Streaming Kind = iota + 1
	// Continuation is request/response HTTP where every request carries the
	// server-issued continuation id in the Mcp-Session-Id header.
	Continuation
)

// kindInfo describes one transport kind. Adding a kind means adding a
// constant and a row here.
type kindInfo struct {
	name string
	// newWire builds the MCP transport of a fresh binding. The returned
	// handler serves later inbound requests of the binding.
	newWire func(h *Handle, w http.ResponseWriter, r *http.Request) (mcp.Transport, http.Handler, error)
}

var kindTable = map[Kind]kindInfo{
	Streaming: {
		name: "sse",
		newWire: func(h *Handle, w http.ResponseWriter, r *http.Request) (mcp.Transport, http.Handler, error) {
			endpoint, err := r.URL.Parse("sse/messages?sessionid=" + h.ID())
			if err != nil {
				return nil, nil, fmt.Errorf("build message endpoint: %w", err)
			}
			t := &mcp.SSEServerTransport{Endpoint: endpoint.RequestURI(), Response: w}
			return t, t, nil
		},
	},
	Continuation: {
		name: "streamable",
		newWire: func(h *Handle, _ http.ResponseWriter, _ *http.Request) (mcp.Transport, http.Handler, error) {
			t := &mcp.StreamableServerTransport{SessionID: h.ID()}
			return t, t, nil
		},
	},
}

// Kinds returns every supported transport kind.
func Kinds() []Kind {
	return []Kind{Streaming, Continuation}
}

func (k Kind) String() string {
	if info, ok := kindTable[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}
