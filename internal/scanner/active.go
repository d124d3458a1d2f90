package scanner

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/time/rate"

	"github.com/relaywire/relaywire/internal/upstream"
)

// Probe is one active vulnerability probe: a templated request plus a
// declarative success criterion evaluated against the probe response
// and a baseline response issued first.
type Probe struct {
	Category Category
	Severity Severity
	Title    string
	Build    func(baseURL string) (*http.Request, error)
	// Matches reports whether probeBody indicates the vulnerability,
	// given that baselineBody did not already contain the same
	// evidence (spec.md 4.9: "baseline did not").
	Matches func(probeBody, baselineBody string) (evidence string, ok bool)
}

// sqlErrorEvidence is the same DB-error phrase set the passive scanner
// fingerprints, reused here so an active SQLi probe and the passive
// pipeline agree on what a database error looks like.
var sqlErrorEvidence = sqlErrorMatchers.phrases

// PathTraversalProbe and SQLiProbe are concrete declarative probes
// grounded in spec.md's own examples ("path traversal: response
// contains root:x:0:0"; "SQLi: response contains one of a known error
// set and baseline did not").
func PathTraversalProbe() Probe {
	return Probe{
		Category: CategoryPathTraversal,
		Severity: SeverityHigh,
		Title:    "Path traversal",
		Build: func(u string) (*http.Request, error) {
			return http.NewRequest(http.MethodGet, u+"/../../../../etc/passwd", nil)
		},
		Matches: func(probeBody, baselineBody string) (string, bool) {
			if strings.Contains(probeBody, "root:x:0:0") && !strings.Contains(baselineBody, "root:x:0:0") {
				return "response body contains root:x:0:0", true
			}
			return "", false
		},
	}
}

// SQLiProbe appends a single-quote injection marker to the probe URL
// (a URL with neither path nor query gets a "/" path first) and checks
// whether a DB-specific error phrase appears in the probe response but
// not in the baseline.
func SQLiProbe() Probe {
	return Probe{
		Category: CategorySQLError,
		Severity: SeverityHigh,
		Title:    "SQL injection candidate",
		Build: func(u string) (*http.Request, error) {
			parsed, err := url.Parse(u)
			if err != nil {
				return nil, err
			}
			if parsed.Path == "" && parsed.RawQuery == "" {
				parsed.Path = "/"
			}
			return http.NewRequest(http.MethodGet, parsed.String()+"%27", nil)
		},
		Matches: func(probeBody, baselineBody string) (string, bool) {
			lowerProbe, lowerBaseline := strings.ToLower(probeBody), strings.ToLower(baselineBody)
			for _, phrase := range sqlErrorEvidence {
				lp := strings.ToLower(phrase)
				if strings.Contains(lowerProbe, lp) && !strings.Contains(lowerBaseline, lp) {
					return "response body contains " + phrase, true
				}
			}
			return "", false
		},
	}
}

// DefaultProbes is the built-in probe registry an embedder can narrow
// with EnabledProbes before calling Run.
var DefaultProbes = []Probe{PathTraversalProbe(), SQLiProbe()}

// EnabledProbes filters registry down to the probes whose category is
// in enabled, preserving registry order (spec.md §4.9 "enumerate
// probes by enabled categories").
func EnabledProbes(registry []Probe, enabled []Category) []Probe {
	allowed := lo.SliceToMap(enabled, func(c Category) (Category, struct{}) { return c, struct{}{} })
	return lo.Filter(registry, func(p Probe, _ int) bool {
		_, ok := allowed[p.Category]
		return ok
	})
}

// ActiveScanner dispatches probes through the same upstream path the
// data plane and intruder use, subject to the same
// concurrency/delay discipline.
type ActiveScanner struct {
	pool        *upstream.Pool
	dedup       *Dedup
	concurrency int
	delay       time.Duration
}

// NewActiveScanner creates an ActiveScanner bound to pool.
func NewActiveScanner(pool *upstream.Pool, dedup *Dedup, concurrency int, delay time.Duration) *ActiveScanner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &ActiveScanner{pool: pool, dedup: dedup, concurrency: concurrency, delay: delay}
}

// Run issues a baseline request, then each probe's request, comparing
// bodies and emitting confirmed Findings for probes whose criterion
// matches. A probe whose request cannot be built, sent or read yields no
// Finding and does not halt the scan; the error itself is neither
// returned nor recorded.
func (s *ActiveScanner) Run(ctx context.Context, key upstream.Key, baselineURL string, probes []Probe) []Finding {
	client, release, err := s.pool.Get(ctx, key)
	if err != nil {
		return nil
	}
	baselineBody := ""
	if req, berr := http.NewRequest(http.MethodGet, baselineURL, nil); berr == nil {
		if resp, derr := client.Do(req.WithContext(ctx)); derr == nil {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			baselineBody = string(b)
		}
	}
	release()

	var (
		mu       sync.Mutex
		findings []Finding
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, s.concurrency)
	// One limiter per worker slot, as in the intruder: the delay paces
	// each worker's own probes.
	var limiters chan *rate.Limiter
	if s.delay > 0 {
		limiters = make(chan *rate.Limiter, s.concurrency)
		for i := 0; i < s.concurrency; i++ {
			limiters <- rate.NewLimiter(rate.Every(s.delay), 1)
		}
	}

	for _, p := range probes {
		p := p
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if limiters != nil {
				limiter := <-limiters
				defer func() { limiters <- limiter }()
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			f := s.runOne(ctx, key, baselineURL, baselineBody, p)
			if f == nil {
				return
			}
			mu.Lock()
			findings = append(findings, *f)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return findings
}

func (s *ActiveScanner) runOne(ctx context.Context, key upstream.Key, baseURL, baselineBody string, p Probe) *Finding {
	client, release, err := s.pool.Get(ctx, key)
	if err != nil {
		return nil
	}
	defer release()

	req, err := p.Build(baseURL)
	if err != nil {
		return nil
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}

	evidence, ok := p.Matches(string(body), baselineBody)
	if !ok {
		return nil
	}

	digest := xxhash.Sum64String(string(p.Category) + "|" + baseURL + "|" + evidence)
	finding := Finding{
		ID:             uuid.NewV4(),
		URL:            baseURL,
		Severity:       p.Severity,
		Category:       p.Category,
		Title:          p.Title,
		Evidence:       evidence,
		Confirmed:      true,
		EvidenceDigest: digest,
	}
	if s.dedup != nil && !s.dedup.Admit(finding) {
		return nil
	}
	return &finding
}
