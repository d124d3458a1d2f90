package scanner

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	uuid "github.com/satori/go.uuid"

	"github.com/relaywire/relaywire/internal/flow"
	"github.com/relaywire/relaywire/internal/helper"
)

// matcher is one declarative passive-detection rule: a phrase list
// scoped to a category and severity, matched case-insensitively against
// the decoded response body. Headers and the request are not searched.
type matcher struct {
	category Category
	severity Severity
	title    string
	phrases  []string
}

var sqlErrorMatchers = matcher{
	category: CategorySQLError,
	severity: SeverityHigh,
	title:    "Database error disclosure",
	phrases: []string{
		"you have an error in your sql syntax",
		"warning: mysql_fetch",
		"unterminated quoted string",
		"pg_query() [",
		"ORA-01756",
		"sqlite3.OperationalError",
	},
}

var infoDisclosureMatchers = matcher{
	category: CategoryInfoDisclosure,
	severity: SeverityMedium,
	title:    "Information disclosure",
	phrases: []string{
		"at System.",
		"Traceback (most recent call last)",
		"stack trace:",
		"X-Powered-By",
	},
}

var securityHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Content-Type-Options",
	"X-Frame-Options",
}

var openRedirectParams = []string{"redirect", "next", "return", "url", "dest", "continue"}

// PassiveScanner runs the category-specific matchers against one
// completed flow, triggered by on_capture (spec.md §4.9).
type PassiveScanner struct {
	dedup *Dedup
}

// NewPassiveScanner creates a PassiveScanner sharing dedup with any
// active scanner findings.
func NewPassiveScanner(dedup *Dedup) *PassiveScanner {
	return &PassiveScanner{dedup: dedup}
}

// Scan inspects f and returns the new (non-duplicate) findings.
func (s *PassiveScanner) Scan(f *flow.Flow) []Finding {
	var findings []Finding

	url := ""
	if f.Request != nil && f.Request.URL != nil {
		url = f.Request.URL.String()
	}

	body := ""
	if f.Response != nil {
		body = string(helper.DecodeBody(f.Response.Header, f.Response.Body))
	}

	findings = append(findings, s.matchPhrases(f, url, body, sqlErrorMatchers)...)
	findings = append(findings, s.matchPhrases(f, url, body, infoDisclosureMatchers)...)
	findings = append(findings, s.checkReflectedXSS(f, url, body)...)
	findings = append(findings, s.checkMissingSecurityHeaders(f, url)...)
	findings = append(findings, s.checkOpenRedirect(f, url)...)

	return findings
}

func (s *PassiveScanner) matchPhrases(f *flow.Flow, url, body string, m matcher) []Finding {
	lower := strings.ToLower(body)
	for _, phrase := range m.phrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return s.emit(f, url, m.category, m.severity, m.title, phrase)
		}
	}
	return nil
}

// checkReflectedXSS looks for an unescaped echo of a request query
// parameter value back into the response body.
func (s *PassiveScanner) checkReflectedXSS(f *flow.Flow, url, body string) []Finding {
	if f.Request == nil || f.Request.URL == nil {
		return nil
	}
	for key, values := range f.Request.URL.Query() {
		for _, v := range values {
			if !strings.Contains(v, "<") || len(v) < 4 {
				continue
			}
			if strings.Contains(body, v) {
				return s.emit(f, url, CategoryReflectedXSS, SeverityHigh,
					"Reflected XSS candidate", "param "+key+" echoed unescaped: "+v)
			}
		}
	}
	return nil
}

func (s *PassiveScanner) checkMissingSecurityHeaders(f *flow.Flow, url string) []Finding {
	if f.Response == nil {
		return nil
	}
	var findings []Finding
	for _, name := range securityHeaders {
		if f.Response.Header.Get(name) == "" {
			findings = append(findings, s.emit(f, url, CategoryMissingHeader, SeverityLow,
				"Missing security header", "missing "+name)...)
		}
	}
	return findings
}

func (s *PassiveScanner) checkOpenRedirect(f *flow.Flow, url string) []Finding {
	if f.Request == nil || f.Request.URL == nil || f.Response == nil {
		return nil
	}
	loc := f.Response.Header.Get("Location")
	if loc == "" {
		return nil
	}
	q := f.Request.URL.Query()
	for _, param := range openRedirectParams {
		if v := q.Get(param); v != "" && strings.Contains(loc, v) && isExternalRedirect(v) {
			return s.emit(f, url, CategoryOpenRedirect, SeverityMedium,
				"Potential open redirect", "param "+param+" flows into Location: "+loc)
		}
	}
	return nil
}

func isExternalRedirect(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") || strings.HasPrefix(v, "//")
}

func (s *PassiveScanner) emit(f *flow.Flow, url string, cat Category, sev Severity, title, evidence string) []Finding {
	digest := xxhash.Sum64String(string(cat) + "|" + url + "|" + evidence)
	finding := Finding{
		ID:             uuid.NewV4(),
		FlowID:         f.ID,
		URL:            url,
		Severity:       sev,
		Category:       cat,
		Title:          title,
		Evidence:       evidence,
		EvidenceDigest: digest,
	}
	if s.dedup != nil && !s.dedup.Admit(finding) {
		return nil
	}
	return []Finding{finding}
}
