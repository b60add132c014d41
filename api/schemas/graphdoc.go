package schemas

// -- Cached Graph Documents --
//
// The aggregator renders its per-provider group trees into these
// documents and swaps them wholesale into the cache on every run.
// Readers serve them verbatim.

// NodeSummary is the per-resource detail record: the resource's own
// current-scan counts. Every resource node gets one, whether or not it
// made it into the compressed view.
type NodeSummary struct {
	NodeID             string `json:"node_id"`
	Name               string `json:"name"`
	ImageName          string `json:"image_name"`
	NodeType           string `json:"node_type"`
	VulnerabilityCount int    `json:"vulnerability_count"`
	SecretsCount       int    `json:"secrets_count"`
	ComplianceCount    int    `json:"compliance_count"`
}

// GroupDetail is the node-detail record for a compressed group: group
// totals plus the member summaries.
type GroupDetail struct {
	ID                 string                 `json:"id"`
	Label              string                 `json:"label"`
	NodeType           string                 `json:"node_type"`
	Count              int                    `json:"count"`
	VulnerabilityCount int                    `json:"vulnerability_count"`
	SecretsCount       int                    `json:"secrets_count"`
	ComplianceCount    int                    `json:"compliance_count"`
	Nodes              map[string]NodeSummary `json:"nodes"`
}

// ResourceEntry is one row of a provider's compressed threat graph: a
// group reached along one attack path from the provider's internet
// root.
type ResourceEntry struct {
	ID                 string     `json:"id"`
	Label              string     `json:"label"`
	NodeType           string     `json:"node_type"`
	Count              int        `json:"count"`
	VulnerabilityCount int        `json:"vulnerability_count"`
	SecretsCount       int        `json:"secrets_count"`
	ComplianceCount    int        `json:"compliance_count"`
	AttackPath         [][]string `json:"attack_path"`
}

// ProviderThreat is a provider's slice of the threat-graph document.
type ProviderThreat struct {
	Count              int             `json:"count"`
	VulnerabilityCount int             `json:"vulnerability_count"`
	SecretsCount       int             `json:"secrets_count"`
	ComplianceCount    int             `json:"compliance_count"`
	Resources          []ResourceEntry `json:"resources"`
}

// ThreatGraphDoc is the full cached threat-graph document, keyed by
// cloud provider bucket.
type ThreatGraphDoc map[string]ProviderThreat

// AttackPathResponse is the on-demand attack surface answer for a
// single resource. A target with no current vulnerability data yields
// the zero value, not an error.
type AttackPathResponse struct {
	AttackVector string     `json:"attack_vector"`
	AttackPath   [][]string `json:"attack_path"`
	Ports        []int      `json:"ports"`
	CveIDs       []string   `json:"cve_id"`
}
