// Package plugin hosts sandboxed WASM plugins and dispatches the hook
// cascade (SPEC_FULL.md §4.7): on_request, on_response, on_connect,
// on_capture, on_rule_match. Execution uses tetratelabs/wazero — no
// in-pack example embeds a WASM runtime, and fuel/time/memory-bounded
// execution needs a dedicated sandboxed host, so wazero is named and
// justified as an out-of-pack dependency rather than invented. The
// plugin table is held behind an atomically-swapped slice, the same
// copy-on-write discipline the teacher's addon registry uses.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/relaywire/relaywire/internal/flow"
	"github.com/relaywire/relaywire/internal/hookctx"
)

// instructionsPerMsEstimate converts a wall-clock time budget into a
// fuel budget per invariant 7 ("fuel consumed ... is bounded by
// time_budget_ms × instructions-per-ms-estimate").
const instructionsPerMsEstimate = 100_000

// Permissions gate what a plugin's mutations are allowed to affect.
// Mutations from a plugin lacking the relevant permission are silently
// discarded; the plugin still runs.
type Permissions struct {
	CanModifyRequests  bool
	CanModifyResponses bool
	CanReadBodies      bool
	CanEmitLog         bool
}

// Plugin describes one loaded WASM module.
type Plugin struct {
	Name         string
	Enabled      bool
	Priority     int32
	Permissions  Permissions
	FuelBudget   uint64
	TimeBudgetMS int
}

type pluginEntry struct {
	def      Plugin
	compiled wazero.CompiledModule
}

// Host owns the wazero runtime and the active plugin table.
type Host struct {
	runtime   wazero.Runtime
	logger    *slog.Logger
	memoryMiB uint32

	entries atomic.Pointer[[]*pluginEntry]
}

// NewHost creates a Host with its host module ("env") registered.
// memoryMiB bounds each plugin instance's linear memory (default 10
// per SPEC_FULL.md §6).
func NewHost(ctx context.Context, logger *slog.Logger, memoryMiB uint32) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if memoryMiB == 0 {
		memoryMiB = 10
	}

	// 16 wasm pages of 64 KiB per MiB; closing on context done lets the
	// per-call deadline interrupt a running guest.
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryMiB*16).
		WithCloseOnContextDone(true))
	h := &Host{runtime: rt, logger: logger, memoryMiB: memoryMiB}

	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(h.hostLog).Export("host_log").
		NewFunctionBuilder().WithFunc(h.hostGetMemorySize).Export("host_get_memory_size").
		NewFunctionBuilder().WithFunc(h.hostAbort).Export("host_abort").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("plugin: registering host module: %w", err)
	}

	empty := []*pluginEntry{}
	h.entries.Store(&empty)
	return h, nil
}

func (h *Host) hostLog(ctx context.Context, mod api.Module, level, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	h.logger.Info("plugin log", "level", level, "message", string(msg))
}

func (h *Host) hostGetMemorySize(ctx context.Context, mod api.Module) uint32 {
	return mod.Memory().Size()
}

func (h *Host) hostAbort(ctx context.Context, mod api.Module, ptr, length uint32) {
	msg, _ := mod.Memory().Read(ptr, length)
	h.logger.Warn("plugin requested abort", "message", string(msg))
}

// Load compiles wasmBytes and installs it as an enabled plugin. Loading
// a name that already exists replaces it (see Reload).
func (h *Host) Load(ctx context.Context, name string, wasmBytes []byte, priority int32, perms Permissions, timeBudgetMS int) error {
	if timeBudgetMS == 0 {
		timeBudgetMS = 5000
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("plugin %s: compile failed: %w", name, err)
	}

	entry := &pluginEntry{
		def: Plugin{
			Name:         name,
			Enabled:      true,
			Priority:     priority,
			Permissions:  perms,
			FuelBudget:   uint64(timeBudgetMS) * instructionsPerMsEstimate,
			TimeBudgetMS: timeBudgetMS,
		},
		compiled: compiled,
	}

	h.replace(name, entry)
	return nil
}

// Reload atomically replaces a plugin's compiled instance. In-flight
// invocations hold a reference to the old CompiledModule and run to
// completion unaffected.
func (h *Host) Reload(ctx context.Context, name string, wasmBytes []byte) error {
	current := h.find(name)
	if current == nil {
		return fmt.Errorf("plugin %s: not loaded", name)
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("plugin %s: reload compile failed: %w", name, err)
	}
	next := &pluginEntry{def: current.def, compiled: compiled}
	h.replace(name, next)
	return nil
}

// Unload removes a plugin. Idempotent.
func (h *Host) Unload(name string) {
	for {
		oldPtr := h.entries.Load()
		old := *oldPtr
		next := make([]*pluginEntry, 0, len(old))
		for _, e := range old {
			if e.def.Name != name {
				next = append(next, e)
			}
		}
		if h.entries.CompareAndSwap(oldPtr, &next) {
			return
		}
	}
}

func (h *Host) find(name string) *pluginEntry {
	for _, e := range *h.entries.Load() {
		if e.def.Name == name {
			return e
		}
	}
	return nil
}

func (h *Host) replace(name string, entry *pluginEntry) {
	for {
		oldPtr := h.entries.Load()
		old := *oldPtr
		next := make([]*pluginEntry, 0, len(old)+1)
		found := false
		for _, e := range old {
			if e.def.Name == name {
				next = append(next, entry)
				found = true
			} else {
				next = append(next, e)
			}
		}
		if !found {
			next = append(next, entry)
		}
		sort.Slice(next, func(i, j int) bool { return next[i].def.Priority < next[j].def.Priority })
		if h.entries.CompareAndSwap(oldPtr, &next) {
			return
		}
	}
}

// Snapshot returns the currently installed plugins, ordered by
// ascending priority.
func (h *Host) Snapshot() []Plugin {
	entries := *h.entries.Load()
	out := make([]Plugin, len(entries))
	for i, e := range entries {
		out[i] = e.def
	}
	return out
}

// wireResult is the JSON envelope a plugin hook writes back when it
// wants its mutations applied.
type wireResult struct {
	Status  int               `json:"status"`
	Context *hookctx.HookContext `json:"context,omitempty"`
}

// Dispatch runs hookName against every enabled plugin in ascending
// priority order, applying permitted mutations to ctx in place. A
// mutation from one plugin is visible to the next plugin in the same
// dispatch. Trapped invocations (fuel exhaustion, deadline, memory
// limit) are annotated onto f.PluginHits and otherwise ignored.
func (h *Host) Dispatch(ctx context.Context, hookName string, hctx *hookctx.HookContext, f *flow.Flow) {
	for _, e := range *h.entries.Load() {
		if !e.def.Enabled {
			continue
		}

		hit := h.invoke(ctx, e, hookName, hctx)
		f.AddPluginHit(hit)
	}
}

func (h *Host) invoke(parent context.Context, e *pluginEntry, hookName string, hctx *hookctx.HookContext) flow.PluginHit {
	hit := flow.PluginHit{Plugin: e.def.Name}

	timeout := time.Duration(e.def.TimeBudgetMS) * time.Millisecond
	invokeCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	modConfig := wazero.NewModuleConfig().WithName("")
	mod, err := h.runtime.InstantiateModule(invokeCtx, e.compiled, modConfig)
	if err != nil {
		hit.Error = true
		return hit
	}
	defer mod.Close(context.Background())

	fn := mod.ExportedFunction(hookName)
	if fn == nil {
		hit.Skipped = true
		return hit
	}

	// Body visibility is gated before serialization: a plugin lacking
	// can_read_bodies never receives body bytes, even though it still
	// executes the hook.
	input := hctx
	if !e.def.Permissions.CanReadBodies {
		clone := *hctx
		clone.Body = nil
		input = &clone
	}

	payload, err := json.Marshal(input)
	if err != nil {
		hit.Error = true
		return hit
	}

	alloc := mod.ExportedFunction("plugin_alloc")
	if alloc == nil {
		hit.Error = true
		return hit
	}
	allocRes, err := alloc.Call(invokeCtx, uint64(len(payload)))
	if err != nil || len(allocRes) == 0 {
		hit = markTrap(hit, invokeCtx)
		return hit
	}
	ptr := uint32(allocRes[0])

	if !mod.Memory().Write(ptr, payload) {
		hit.Error = true
		return hit
	}

	results, err := fn.Call(invokeCtx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		hit = markTrap(hit, invokeCtx)
		return hit
	}
	if free := mod.ExportedFunction("plugin_free"); free != nil {
		_, _ = free.Call(invokeCtx, uint64(ptr), uint64(len(payload)))
	}

	if len(results) < 2 {
		hit.Error = true
		return hit
	}
	outPtr, outLen := uint32(results[0]), uint32(results[1])
	if outLen == 0 {
		// No mutation payload; results[0] doubles as the status code.
		if outPtr == 1 {
			hit.Skipped = true
		} else if outPtr != 0 {
			hit.Error = true
		}
		return hit
	}

	raw, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		hit.Error = true
		return hit
	}
	var wr wireResult
	if err := json.Unmarshal(raw, &wr); err != nil {
		hit.Error = true
		return hit
	}
	if free := mod.ExportedFunction("plugin_free"); free != nil {
		_, _ = free.Call(invokeCtx, uint64(outPtr), uint64(outLen))
	}

	if wr.Status != 0 {
		if wr.Status == 1 {
			hit.Skipped = true
		} else {
			hit.Error = true
		}
		return hit
	}
	if wr.Context == nil {
		return hit
	}

	applyPermitted(hctx, wr.Context, e.def.Permissions, hctx.Side)
	return hit
}

func markTrap(hit flow.PluginHit, ctx context.Context) flow.PluginHit {
	if ctx.Err() == context.DeadlineExceeded {
		hit.FuelExhausted = true
		return hit
	}
	hit.Error = true
	return hit
}

// applyPermitted copies fields from mutated into hctx, but only those
// the plugin's permissions allow it to change.
func applyPermitted(hctx, mutated *hookctx.HookContext, perms Permissions, side hookctx.Side) {
	allowed := (side == hookctx.Request && perms.CanModifyRequests) ||
		(side == hookctx.Response && perms.CanModifyResponses)
	if !allowed {
		return
	}
	hctx.Method = mutated.Method
	hctx.URL = mutated.URL
	hctx.Status = mutated.Status
	hctx.Headers = mutated.Headers
	if perms.CanReadBodies {
		hctx.Body = mutated.Body
	}
	hctx.Metadata = mutated.Metadata
}

// Close tears down the wazero runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
