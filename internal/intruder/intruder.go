// Package intruder generates and sends a bounded-concurrency stream of
// requests from a template and one or more payload sets, across four
// attack modes (SPEC_FULL.md §4.8).
package intruder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/relaywire/relaywire/internal/upstream"
)

// AttackType is the closed set of substitution strategies.
type AttackType int

const (
	Sniper AttackType = iota
	Battering
	Pitchfork
	ClusterBomb
)

// State is the lifecycle of one attack run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateFinished
)

var positionPattern = regexp.MustCompile(`§([^§]+)§`)

// positions returns the distinct, in-order §name§ marker names found in
// template. The same name appearing more than once denotes the same
// position (SPEC_FULL.md §4.8 template grammar).
func positions(template string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range positionPattern.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// substitute replaces every §name§ occurrence in template with the
// value assigned to that name in values.
func substitute(template string, values map[string]string) string {
	return positionPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := positionPattern.FindStringSubmatch(m)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return m
	})
}

// Result is one generated-and-sent request's outcome.
type Result struct {
	Sequence       int
	Payloads       map[string]string
	Status         int
	ResponseLength int64
	DurationMS     int64
	ResponseDigest uint64
	Err            error
}

// Attack holds one intruder run's configuration, state and results.
type Attack struct {
	ID          uuid.UUID
	Template    string
	PayloadSets map[string][]string // position name -> payload set
	AttackType  AttackType
	Concurrency int
	DelayMS     int

	mu      sync.Mutex
	state   State
	results []Result

	stop atomic.Bool
}

// NewAttack creates an idle Attack.
func NewAttack(template string, payloadSets map[string][]string, attackType AttackType, concurrency, delayMS int) *Attack {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Attack{
		ID:          uuid.NewV4(),
		Template:    template,
		PayloadSets: payloadSets,
		AttackType:  attackType,
		Concurrency: concurrency,
		DelayMS:     delayMS,
		state:       StateIdle,
	}
}

// State reports the current lifecycle state.
func (a *Attack) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Attack) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Results returns a snapshot copy of results gathered so far.
func (a *Attack) Results() []Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Result, len(a.results))
	copy(out, a.results)
	return out
}

func (a *Attack) addResult(r Result) {
	a.mu.Lock()
	a.results = append(a.results, r)
	a.mu.Unlock()
}

// Stop flips the stop flag; workers drain without starting new
// requests (SPEC_FULL.md §4.8 "stop_attack()").
func (a *Attack) Stop() {
	a.stop.Store(true)
}

// substitutionSet is one fully-resolved request's payload assignment.
type substitutionSet map[string]string

// plan enumerates the substitution sets for this attack's type.
func (a *Attack) plan() []substitutionSet {
	posNames := positions(a.Template)

	switch a.AttackType {
	case Sniper:
		var plans []substitutionSet
		payloads := firstSet(a.PayloadSets)
		var baseline string
		if len(payloads) > 0 {
			baseline = payloads[0]
		}
		for _, pos := range posNames {
			for _, p := range payloads {
				s := substitutionSet{}
				for _, other := range posNames {
					s[other] = baseline
				}
				s[pos] = p
				plans = append(plans, s)
			}
		}
		return plans

	case Battering:
		var plans []substitutionSet
		for _, p := range firstSet(a.PayloadSets) {
			s := substitutionSet{}
			for _, pos := range posNames {
				s[pos] = p
			}
			plans = append(plans, s)
		}
		return plans

	case Pitchfork:
		n := -1
		for _, pos := range posNames {
			size := len(a.PayloadSets[pos])
			if n == -1 || size < n {
				n = size
			}
		}
		if n < 0 {
			n = 0
		}
		var plans []substitutionSet
		for i := 0; i < n; i++ {
			s := substitutionSet{}
			for _, pos := range posNames {
				s[pos] = a.PayloadSets[pos][i]
			}
			plans = append(plans, s)
		}
		return plans

	case ClusterBomb:
		return cartesian(posNames, a.PayloadSets)
	}
	return nil
}

func firstSet(sets map[string][]string) []string {
	for _, v := range sets {
		return v
	}
	return nil
}

func cartesian(positions []string, sets map[string][]string) []substitutionSet {
	if len(positions) == 0 {
		return nil
	}
	plans := []substitutionSet{{}}
	for _, pos := range positions {
		var next []substitutionSet
		values := sets[pos]
		for _, plan := range plans {
			for _, v := range values {
				cp := substitutionSet{}
				for k, vv := range plan {
					cp[k] = vv
				}
				cp[pos] = v
				next = append(next, cp)
			}
		}
		plans = next
	}
	return plans
}

// RequestBuilder turns a resolved template string into an outbound
// *http.Request. Injected so tests and the real data plane can both
// drive the same Run loop.
type RequestBuilder func(rawTemplate string) (*http.Request, error)

// Run executes the attack plan through pool, dispatching requests on
// the same upstream path the proxy's data plane uses. Concurrency is
// bounded by a semaphore sized a.Concurrency; a per-worker
// rate.Limiter paces submissions instead of a bare time.Sleep.
func (a *Attack) Run(ctx context.Context, pool *upstream.Pool, key upstream.Key, build RequestBuilder) error {
	a.setState(StateRunning)
	defer func() {
		if a.stop.Load() {
			a.setState(StateStopped)
		} else {
			a.setState(StateFinished)
		}
	}()

	plans := a.plan()
	sem := make(chan struct{}, a.Concurrency)
	var wg sync.WaitGroup

	// One limiter per worker slot, so the delay paces each worker's own
	// submissions rather than the attack as a whole.
	var limiters chan *rate.Limiter
	if a.DelayMS > 0 {
		limiters = make(chan *rate.Limiter, a.Concurrency)
		for i := 0; i < a.Concurrency; i++ {
			limiters <- rate.NewLimiter(rate.Every(time.Duration(a.DelayMS)*time.Millisecond), 1)
		}
	}

	for seq, plan := range plans {
		if a.stop.Load() {
			break
		}
		seq, plan := seq, plan

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
			if a.stop.Load() {
				return
			}

			a.addResult(a.sendOne(ctx, pool, key, build, seq, plan))
		}()
	}

	wg.Wait()
	return nil
}

func (a *Attack) sendOne(ctx context.Context, pool *upstream.Pool, key upstream.Key, build RequestBuilder, seq int, plan substitutionSet) Result {
	resolved := substitute(a.Template, plan)
	result := Result{Sequence: seq, Payloads: map[string]string(plan)}

	req, err := build(resolved)
	if err != nil {
		result.Err = fmt.Errorf("intruder: build request: %w", err)
		return result
	}
	req = req.WithContext(ctx)

	client, release, err := pool.Get(ctx, key)
	if err != nil {
		result.Err = fmt.Errorf("intruder: acquire pooled client: %w", err)
		return result
	}
	defer release()

	start := time.Now()
	resp, err := client.Do(req)
	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Err = err
		return result
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		result.Err = err
		return result
	}

	result.Status = resp.StatusCode
	result.ResponseLength = int64(len(body))
	result.ResponseDigest = xxhash.Sum64(body)
	return result
}

// IsInteresting applies the "interesting result" heuristic (SPEC_FULL.md
// §4.8): 2xx status, or a body length materially deviating from a
// baseline length.
func IsInteresting(r Result, baselineLen int64, deviationFraction float64) bool {
	if r.Status >= 200 && r.Status < 300 {
		return true
	}
	if baselineLen == 0 {
		return false
	}
	delta := float64(abs64(r.ResponseLength-baselineLen)) / float64(baselineLen)
	return delta >= deviationFraction
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
