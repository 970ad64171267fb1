package graph

import (
	"fmt"
	"strings"
)

// DOT renders the graph in Graphviz format. Edges point from a resource to
// the resources it depends on.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph deckhand {\n")
	b.WriteString("  rankdir = \"BT\";\n")
	b.WriteString("  node [shape = rect];\n\n")

	order := g.Order()
	for _, addr := range order {
		n, _ := g.Node(addr)
		fmt.Fprintf(&b, "  %q [label=\"%s\\n(%s)\"];\n", addr, escapeDOT(addr), escapeDOT(n.Provider()))
	}
	b.WriteString("\n")
	for _, addr := range order {
		for _, dep := range g.Dependencies(addr) {
			fmt.Fprintf(&b, "  %q -> %q;\n", addr, dep)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid renders the graph as a Mermaid flowchart.
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	order := g.Order()
	aliases := make(map[string]string, len(order))
	for i, addr := range order {
		alias := fmt.Sprintf("n%d", i)
		aliases[addr] = alias
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", alias, escapeMermaid(addr))
	}
	for _, addr := range order {
		for _, dep := range g.Dependencies(addr) {
			fmt.Fprintf(&b, "    %s --> %s\n", aliases[dep], aliases[addr])
		}
	}
	return b.String()
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}

func escapeMermaid(s string) string {
	return strings.ReplaceAll(s, "\"", "#quot;")
}
