package schemas

// -- Topology Snapshot --
//
// The topology collector (out of scope here) publishes one adjacency
// snapshot per resource kind. The same snapshot feeds both rollup
// hierarchy sync and attack-path reachability.

// TopologyParent is a containment pointer, e.g. a container's host.
type TopologyParent struct {
	TopologyID string `json:"topologyId"`
	Label      string `json:"label"`
	ID         string `json:"id"`
}

// TopologyMetadata is a single id/value metadata entry on a node.
type TopologyMetadata struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// TopologyNode is one node in a topology snapshot. Adjacency entries
// reference other snapshot keys and mean "traffic flows from this node
// to the adjacent node".
type TopologyNode struct {
	Label      string             `json:"label"`
	LabelMinor string             `json:"labelMinor,omitempty"`
	Pseudo     bool               `json:"pseudo,omitempty"`
	Parents    []TopologyParent   `json:"parents,omitempty"`
	Adjacency  []string           `json:"adjacency,omitempty"`
	Metadata   []TopologyMetadata `json:"metadata,omitempty"`
}

// Metadatum returns the value of the named metadata entry, or "".
func (n TopologyNode) Metadatum(id string) string {
	for _, m := range n.Metadata {
		if m.ID == id {
			return m.Value
		}
	}
	return ""
}

// CloudProvider normalizes the node's cloud_provider metadata into one
// of the fixed provider buckets.
func (n TopologyNode) CloudProvider() string {
	switch cp := n.Metadatum("cloud_provider"); cp {
	case ProviderAWS, ProviderGCP, ProviderAzure:
		return cp
	default:
		return ProviderPrivate
	}
}

// IsUIVM reports whether the node is the management console VM, which
// is excluded from every graph.
func (n TopologyNode) IsUIVM() bool {
	return n.Metadatum("is_ui_vm") == "true"
}

// IsInternet reports whether the node is an internet sentinel.
func (n TopologyNode) IsInternet() bool {
	return n.Pseudo && n.Label == InternetLabel
}

// TopologySnapshot maps scoped node ids ("name;<type>") to their
// topology entries.
type TopologySnapshot map[string]TopologyNode
