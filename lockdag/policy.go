package lockdag

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// Declarative allowed-edge policy: LoadPolicy installs the edges of a
// lockorder.yaml document handed to it, as an alternative to
// scattered AllowEdge calls. Nothing in this module reads the
// checked-in lockorder.yaml or calls LoadPolicy. This is new relative to the
// original (which calls lockdag_allow_edge directly in C init code)
// but the edges themselves encode exactly the ordering spec.md §5
// names: page allocator -> ownership table -> borrow registry ->
// exchange list.

var (
	namedMu sync.Mutex
	named   = map[string]*Node{}
)

// / NamedNode returns the process-wide Node for name, creating and
// / registering it on first use, so a policy file can refer to a node
// / by the same name. exchange takes its prepared-list node this way.
func NamedNode(name string) *Node {
	namedMu.Lock()
	defer namedMu.Unlock()
	if n, ok := named[name]; ok {
		return n
	}
	n := NewNode(name)
	Register(n)
	named[name] = n
	return n
}

// / Policy is the YAML shape of lockorder.yaml: a flat list of
// / allowed {from, to} edges.
type Policy struct {
	Edges []struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
	} `yaml:"edges"`
}

// / LoadPolicy parses a lockorder.yaml document and installs every
// / edge it lists via AllowEdge, registering any name not already
// / known through NamedNode.
func LoadPolicy(doc []byte) error {
	var p Policy
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return fmt.Errorf("lockdag: parse policy: %w", err)
	}
	for _, e := range p.Edges {
		from := NamedNode(e.From)
		to := NamedNode(e.To)
		if err := AllowEdge(from, to); err != nil {
			return fmt.Errorf("lockdag: edge %s->%s: %w", e.From, e.To, err)
		}
	}
	return nil
}
