package schemas

import (
	"encoding/json"
	"fmt"
	"strings"
)

// -- Scan Finding Records --
//
// Scan producers deliver finding records as loose JSON in one of three
// shapes. The shape is not declared; it is recognized structurally and
// decoded into a tagged union at the ingestion boundary so the rest of
// the pipeline never branches on raw maps.

// RecordKind identifies which shape a finding record decoded into.
type RecordKind string

const (
	RecordVulnerability RecordKind = "vulnerability"
	RecordSecret        RecordKind = "secret"
	RecordCompliance    RecordKind = "compliance"
)

// VulnerabilityRecord is a single CVE detection against a resource.
type VulnerabilityRecord struct {
	NodeID             string  `json:"node_id"`
	ScanID             string  `json:"scan_id"`
	CveID              string  `json:"cve_id"`
	CveType            string  `json:"cve_type"`
	CveSeverity        string  `json:"cve_severity"`
	CveContainerImage  string  `json:"cve_container_image"`
	CveCausedByPackage string  `json:"cve_caused_by_package"`
	CveLink            string  `json:"cve_link"`
	CveDescription     string  `json:"cve_description"`
	CveAttackVector    string  `json:"cve_attack_vector"`
	CveCvssScore       float64 `json:"cve_cvss_score"`
}

// SecretRule describes the detection rule that matched. One rule matched
// across many files and resources is stored as a single graph node.
type SecretRule struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Part string `json:"part"`
}

// SecretSeverity carries the scanner's severity classification.
type SecretSeverity struct {
	Level string  `json:"level"`
	Score float64 `json:"score"`
}

// SecretMatch is the concrete match location and content.
type SecretMatch struct {
	FullFilename   string `json:"full_filename"`
	MatchedContent string `json:"matched_content"`
	StartingIndex  int    `json:"starting_index"`
}

// SecretRecord is a single secret detection against a resource.
type SecretRecord struct {
	NodeID   string         `json:"node_id"`
	NodeName string         `json:"node_name"`
	ScanID   string         `json:"scan_id"`
	Rule     SecretRule     `json:"Rule"`
	Severity SecretSeverity `json:"Severity"`
	Match    SecretMatch    `json:"Match"`
}

// ComplianceLocation is a file-system location for a package/compliance
// finding.
type ComplianceLocation struct {
	Path string `json:"path"`
}

// ComplianceRecord is a package or compliance result against a resource.
type ComplianceRecord struct {
	NodeID    string               `json:"node_id"`
	ScanID    string               `json:"scan_id"`
	Name      string               `json:"name"`
	Version   string               `json:"version"`
	Licenses  []string             `json:"licenses"`
	Locations []ComplianceLocation `json:"locations"`
	Language  string               `json:"language"`
	Masked    bool                 `json:"masked"`
}

// Record is the tagged union produced by DecodeRecord. Exactly one of
// the pointers is set, matching Kind.
type Record struct {
	Kind          RecordKind
	Vulnerability *VulnerabilityRecord
	Secret        *SecretRecord
	Compliance    *ComplianceRecord
}

// ResourceID returns the owning resource identity for the record, with
// any topology type suffix (";<host>" and friends) stripped.
func (r Record) ResourceID() string {
	var id string
	switch r.Kind {
	case RecordVulnerability:
		id = r.Vulnerability.NodeID
	case RecordSecret:
		id = r.Secret.NodeID
		if id == "" {
			id = r.Secret.NodeName
		}
	case RecordCompliance:
		id = r.Compliance.NodeID
	}
	id, _ = SplitScopeID(id)
	return id
}

// ScanID returns the record's scan identity.
func (r Record) ScanID() string {
	switch r.Kind {
	case RecordVulnerability:
		return r.Vulnerability.ScanID
	case RecordSecret:
		return r.Secret.ScanID
	case RecordCompliance:
		return r.Compliance.ScanID
	}
	return ""
}

// ScanType returns the scan family the record belongs to.
func (r Record) ScanType() ScanType {
	switch r.Kind {
	case RecordVulnerability:
		return ScanTypeCve
	case RecordSecret:
		return ScanTypeSecret
	default:
		return ScanTypeCompliance
	}
}

// recordProbe is the structural superset used to classify a raw record
// before committing to a shape.
type recordProbe struct {
	CveID string          `json:"cve_id"`
	Rule  json.RawMessage `json:"Rule"`
	Name  string          `json:"name"`
}

// DecodeRecord classifies a raw finding record by structural inspection
// and decodes it into the matching shape: a CVE identity field means
// vulnerability, a rule object means secret, a package name means
// compliance. Anything else is malformed.
func DecodeRecord(raw []byte) (Record, error) {
	var probe recordProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Record{}, fmt.Errorf("undecodable finding record: %w", err)
	}
	switch {
	case probe.CveID != "":
		var v VulnerabilityRecord
		if err := json.Unmarshal(raw, &v); err != nil {
			return Record{}, fmt.Errorf("malformed vulnerability record: %w", err)
		}
		return Record{Kind: RecordVulnerability, Vulnerability: &v}, nil
	case len(probe.Rule) > 0 && string(probe.Rule) != "null":
		var s SecretRecord
		if err := json.Unmarshal(raw, &s); err != nil {
			return Record{}, fmt.Errorf("malformed secret record: %w", err)
		}
		return Record{Kind: RecordSecret, Secret: &s}, nil
	case probe.Name != "":
		var c ComplianceRecord
		if err := json.Unmarshal(raw, &c); err != nil {
			return Record{}, fmt.Errorf("malformed compliance record: %w", err)
		}
		return Record{Kind: RecordCompliance, Compliance: &c}, nil
	default:
		return Record{}, fmt.Errorf("finding record matches no known shape")
	}
}

// SplitScopeID splits a topology-scoped id of the form "name;<type>"
// into its raw id and type. Ids without a suffix come back unchanged
// with an empty type.
func SplitScopeID(scopeID string) (id, nodeType string) {
	idx := strings.IndexByte(scopeID, ';')
	if idx < 0 {
		return scopeID, ""
	}
	id = scopeID[:idx]
	nodeType = strings.TrimSuffix(strings.TrimPrefix(scopeID[idx+1:], "<"), ">")
	return id, nodeType
}
