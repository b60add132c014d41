package schemas

// -- Property Graph Vocabulary --

// NodeKind labels a vertex in the security-posture graph. Resource nodes
// share a single kind; scans and findings get a kind per scan family so
// that "latest scan of each kind" is a per-kind query.
type NodeKind string

const (
	KindResource       NodeKind = "Node"
	KindCveScan        NodeKind = "CveScan"
	KindSecretScan     NodeKind = "SecretScan"
	KindComplianceScan NodeKind = "ComplianceScan"
	KindCve            NodeKind = "Cve"
	KindSecret         NodeKind = "Secret"
	KindRule           NodeKind = "Rule"
	KindCompliance     NodeKind = "Compliance"
)

// EdgeKind labels a directed relationship between two graph nodes.
type EdgeKind string

const (
	EdgeScanned   EdgeKind = "SCANNED"   // ResourceNode -> ScanNode
	EdgeDetected  EdgeKind = "DETECTED"  // ScanNode -> FindingNode
	EdgeMatch     EdgeKind = "MATCH"     // Rule -> Secret
	EdgeConnected EdgeKind = "CONNECTED" // ResourceNode -> ResourceNode (traffic/containment)
)

// ScanType enumerates the scan families rolled up by the aggregator.
type ScanType string

const (
	ScanTypeCve        ScanType = "cve"
	ScanTypeSecret     ScanType = "secret"
	ScanTypeCompliance ScanType = "compliance"
)

// ScanKinds maps each scan family to its scan-node kind.
var ScanKinds = map[ScanType]NodeKind{
	ScanTypeCve:        KindCveScan,
	ScanTypeSecret:     KindSecretScan,
	ScanTypeCompliance: KindComplianceScan,
}

// -- Resource node attribute keys --
//
// Resource nodes carry a small flat attribute bag; these are the keys the
// ingestion pipeline writes and the rollup aggregator reads and updates.
const (
	AttrNodeType      = "node_type"
	AttrCloudProvider = "cloud_provider"
	AttrDepth         = "depth"
	AttrTimestamp     = "time_stamp"

	AttrNumCve        = "num_cve"
	AttrNumSecrets    = "num_secrets"
	AttrNumCompliance = "num_compliance"
	AttrSumCve        = "sum_cve"
	AttrSumSecrets    = "sum_secrets"
	AttrSumCompliance = "sum_compliance"

	AttrAttackVector = "cve_attack_vector"
	AttrCvssScore    = "cve_cvss_score"
)

// Resource node types as they appear in topology ids ("name;<host>").
const (
	NodeTypeHost           = "host"
	NodeTypeContainer      = "container"
	NodeTypeContainerImage = "container_image"
	NodeTypePod            = "pod"
)

// Cloud provider buckets. Anything the topology cannot attribute to a
// known provider lands in ProviderPrivate.
const (
	ProviderAWS     = "aws"
	ProviderGCP     = "gcp"
	ProviderAzure   = "azure"
	ProviderPrivate = "others"
)

// AllProviders is the fixed bucket order used by the aggregator.
var AllProviders = []string{ProviderAWS, ProviderGCP, ProviderAzure, ProviderPrivate}

// Sentinel internet nodes mark traffic entering and leaving the
// monitored estate.
const (
	InTheInternetID  = "in-theinternet"
	OutTheInternetID = "out-theinternet"
	InternetLabel    = "The Internet"
)

// InternetNodeID returns the per-provider ingress sentinel id. Each
// provider subgraph gets its own root so that provider grouping keeps a
// depth-0 entry point.
func InternetNodeID(provider string) string {
	return InTheInternetID + "-" + provider
}
