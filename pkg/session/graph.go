package session

import (
	"fmt"
	"sort"
	"strings"
)

// graph is a validated agent graph.
type graph struct {
	agents  []AgentSpec
	threads []threadSpec
	links   map[string][]string
}

type threadSpec struct {
	name    string
	members []string
}

// validateGraph checks the agent graph of req and derives its threads.
// Groups with fewer than two distinct members do not form a thread.
func validateGraph(req *CreateRequest) (*graph, error) {
	if len(req.Agents) == 0 {
		return nil, fmt.Errorf("%w: no agents", ErrInvalidGraph)
	}

	known := make(map[string]struct{}, len(req.Agents))
	for _, a := range req.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return nil, fmt.Errorf("%w: agent with empty name", ErrInvalidGraph)
		}
		if _, dup := known[a.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate agent %q", ErrInvalidGraph, a.Name)
		}
		known[a.Name] = struct{}{}
	}

	g := &graph{
		agents: req.Agents,
		links:  make(map[string][]string, len(req.Agents)),
	}
	linkSets := make(map[string]map[string]struct{}, len(req.Agents))
	names := make(map[string]struct{})

	for i, grp := range req.Groups {
		members := make(map[string]struct{}, len(grp.Members))
		ordered := make([]string, 0, len(grp.Members))
		for _, m := range grp.Members {
			if _, ok := known[m]; !ok {
				return nil, fmt.Errorf("%w: group %d references unknown agent %q", ErrInvalidGraph, i, m)
			}
			if _, dup := members[m]; dup {
				continue
			}
			members[m] = struct{}{}
			ordered = append(ordered, m)
		}
		if len(ordered) < 2 {
			continue
		}

		name := grp.Name
		if name == "" {
			sorted := append([]string(nil), ordered...)
			sort.Strings(sorted)
			name = strings.Join(sorted, "+")
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("%w: duplicate thread %q", ErrInvalidGraph, name)
		}
		names[name] = struct{}{}
		g.threads = append(g.threads, threadSpec{name: name, members: ordered})

		for _, m := range ordered {
			set := linkSets[m]
			if set == nil {
				set = make(map[string]struct{})
				linkSets[m] = set
			}
			for _, other := range ordered {
				if other != m {
					set[other] = struct{}{}
				}
			}
		}
	}

	if len(g.threads) == 0 {
		return nil, fmt.Errorf("%w: no valid threads", ErrInvalidGraph)
	}

	for name, set := range linkSets {
		g.links[name] = sortedKeys(set)
	}
	return g, nil
}
