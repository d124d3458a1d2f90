// Package scanner detects common web vulnerabilities by inspecting
// flows passively and, optionally, by active probe replay
// (SPEC_FULL.md §4.9).
package scanner

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

// Severity is the closed severity scale for a Finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Category is the closed set of OWASP-style finding tags.
type Category string

const (
	CategorySQLError        Category = "sql_error"
	CategoryReflectedXSS    Category = "reflected_xss"
	CategoryMissingHeader   Category = "missing_security_header"
	CategoryInfoDisclosure  Category = "information_disclosure"
	CategoryOpenRedirect    Category = "open_redirect"
	CategoryPathTraversal   Category = "path_traversal"
)

// Finding is one confirmed or candidate vulnerability observation.
type Finding struct {
	ID             uuid.UUID
	FlowID         int64
	URL            string
	Severity       Severity
	Category       Category
	Title          string
	Description    string
	Evidence       string
	Remediation    string
	Confirmed      bool
	References     []string
	EvidenceDigest uint64
}

type dedupKey struct {
	category Category
	url      string
	digest   uint64
}

// Dedup is the concurrent (category, url, evidence_digest) set that
// suppresses duplicate findings across passive and active passes.
type Dedup struct {
	seen sync.Map
}

// NewDedup creates an empty Dedup set.
func NewDedup() *Dedup {
	return &Dedup{}
}

// Admit reports whether f is new (and marks it seen) or a duplicate.
func (d *Dedup) Admit(f Finding) bool {
	key := dedupKey{category: f.Category, url: f.URL, digest: f.EvidenceDigest}
	_, loaded := d.seen.LoadOrStore(key, struct{}{})
	return !loaded
}
