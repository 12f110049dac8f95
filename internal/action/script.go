package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mindswarm/subspace/internal/memory"
	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

const (
	defaultScriptTimeout = 5 * time.Second
	maxScriptOutputBytes = 64 * 1024

	// defaultMaxScriptMemoryKB caps a script's live heap, enforced by
	// polling L.GCCount() from a watchdog goroutine; a script that
	// crosses it has its context cancelled, aborting the VM on its next
	// instruction check, per SPEC_FULL.md §6.8's memory-ceiling
	// safeguard.
	defaultMaxScriptMemoryKB = 32 * 1024
	memoryPollInterval       = 10 * time.Millisecond
)

// ScriptRunner executes a scripted action's Lua source in a fresh
// *lua.LState per call, with no globals shared across cybers or
// invocations, matching spec.md §4.8's process-isolation intent within
// a single Go process.
type ScriptRunner struct {
	working  *memory.WorkingMemory
	cyber    *workspace.CyberWorkspace
	sendFunc func(to, subject, body string) error

	maxMemoryKB int
}

// NewScriptRunner returns a runner that exposes memory and
// communication built-ins into the Lua global table.
func NewScriptRunner(working *memory.WorkingMemory, cyber *workspace.CyberWorkspace, sendFunc func(to, subject, body string) error) *ScriptRunner {
	return &ScriptRunner{working: working, cyber: cyber, sendFunc: sendFunc, maxMemoryKB: defaultMaxScriptMemoryKB}
}

// Run executes source under a wall-clock deadline (timeout, or
// defaultScriptTimeout if zero) and a live-heap ceiling, returning
// captured stdout as Output["stdout"]. source is rejected before any
// Lua state is created if it references a disallowed global.
func (r *ScriptRunner) Run(ctx context.Context, source string, timeout time.Duration) types.Result {
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}

	if err := scanForDangerousIdentifiers(source); err != nil {
		return types.Result{
			Success: false,
			Error:   &types.StageError{Kind: types.ErrActionError, Message: err.Error()},
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	memCtx, memCancel := context.WithCancel(runCtx)
	defer memCancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)
	// SetContext makes the VM check ctx.Done() between instructions, so
	// this one deadline bounds wall-clock time, an infinite loop, and
	// (via memCancel from the watchdog below) excess memory use.
	L.SetContext(memCtx)

	capKB := r.maxMemoryKB
	if capKB <= 0 {
		capKB = defaultMaxScriptMemoryKB
	}
	stopWatchdog := make(chan struct{})
	defer close(stopWatchdog)
	breached := make(chan struct{}, 1)
	go watchScriptMemory(L, capKB, memCancel, breached, stopWatchdog)

	var stdout bytes.Buffer
	r.installGlobals(L, &stdout)

	if err := L.DoString(source); err != nil {
		select {
		case <-breached:
			return types.Result{
				Success: false,
				Output:  map[string]any{"stdout": truncate(stdout.String())},
				Error:   &types.StageError{Kind: types.ErrActionError, Message: fmt.Sprintf("script exceeded memory ceiling of %d KB", capKB)},
			}
		default:
		}
		return types.Result{
			Success: false,
			Output:  map[string]any{"stdout": truncate(stdout.String())},
			Error:   &types.StageError{Kind: types.ErrActionError, Message: err.Error()},
		}
	}

	return types.Result{Success: true, Output: map[string]any{"stdout": truncate(stdout.String())}}
}

// watchScriptMemory polls L's reported heap size and cancels cancel
// once it crosses capKB, signalling breached so Run can distinguish a
// memory kill from an ordinary script error.
func watchScriptMemory(L *lua.LState, capKB int, cancel context.CancelFunc, breached chan<- struct{}, stop <-chan struct{}) {
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if L.GCCount() > capKB {
				select {
				case breached <- struct{}{}:
				default:
				}
				cancel()
				return
			}
		}
	}
}

// openSafeLibs opens only the curated subset of gopher-lua's standard
// library SPEC_FULL.md §6.8 allows a scripted action to see: base
// (minus the filesystem/loader escape hatches, stripped below),
// string, table, and math. os, io, debug, and the package/require
// loader are never opened, so they are simply absent from the global
// table rather than merely unused.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenString(L)
	lua.OpenTable(L)
	lua.OpenMath(L)
	installJSONLib(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage", "setfenv", "getfenv"} {
		L.SetGlobal(name, lua.LNil)
	}
}

var (
	luaBlockComment  = regexp.MustCompile(`(?s)--\[\[.*?\]\]`)
	luaLineComment   = regexp.MustCompile(`--[^\n]*`)
	luaDoubleQuoted  = regexp.MustCompile(`"(\\.|[^"\\])*"`)
	luaSingleQuoted  = regexp.MustCompile(`'(\\.|[^'\\])*'`)
	dangerousIdentifiers = []string{
		"os", "io", "debug", "package",
		"dofile", "loadfile", "load", "loadstring",
		"require", "module", "setfenv", "getfenv",
	}
	dangerousIdentifierRegexes = compileDangerousIdentifierRegexes()
)

func compileDangerousIdentifierRegexes() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(dangerousIdentifiers))
	for _, name := range dangerousIdentifiers {
		out[name] = regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	}
	return out
}

// scanForDangerousIdentifiers is a lexical pre-scan rejecting scripts
// that reference a disallowed global by name, run before the Lua state
// even exists. It is defense in depth on top of openSafeLibs never
// opening those libraries in the first place: a script that somehow
// worked around this scan would still find the name unbound.
func scanForDangerousIdentifiers(source string) error {
	stripped := luaBlockComment.ReplaceAllString(source, "")
	stripped = luaLineComment.ReplaceAllString(stripped, "")
	stripped = luaDoubleQuoted.ReplaceAllString(stripped, `""`)
	stripped = luaSingleQuoted.ReplaceAllString(stripped, `''`)

	for _, name := range dangerousIdentifiers {
		if dangerousIdentifierRegexes[name].MatchString(stripped) {
			return fmt.Errorf("action: script references disallowed identifier %q", name)
		}
	}
	return nil
}

func truncate(s string) string {
	if len(s) <= maxScriptOutputBytes {
		return s
	}
	return s[:maxScriptOutputBytes]
}

// installGlobals exposes the allow-listed Go functions into L's global
// table: memory.list, communication.send, an environment.exec_command
// that always returns false with a "disabled" message, and a capped
// print replacement writing into stdout instead of os.Stdout. No other
// memory, communication or task functions are exposed.
func (r *ScriptRunner) installGlobals(L *lua.LState, stdout *bytes.Buffer) {
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		for i := 1; i <= n; i++ {
			if i > 1 {
				stdout.WriteString("\t")
			}
			stdout.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		stdout.WriteString("\n")
		return 0
	}))

	memTable := L.NewTable()
	L.SetField(memTable, "list", L.NewFunction(func(L *lua.LState) int {
		typ := L.CheckString(1)
		if r.working == nil {
			L.Push(L.NewTable())
			return 1
		}
		blocks := r.working.ByType(types.BlockType(typ))
		out := L.NewTable()
		for _, b := range blocks {
			out.Append(lua.LString(string(b.ID)))
		}
		L.Push(out)
		return 1
	}))
	L.SetGlobal("memory", memTable)

	commTable := L.NewTable()
	L.SetField(commTable, "send", L.NewFunction(func(L *lua.LState) int {
		to := L.CheckString(1)
		subject := L.CheckString(2)
		body := L.CheckString(3)
		if r.sendFunc == nil {
			L.Push(lua.LBool(false))
			L.Push(lua.LString("no send function configured"))
			return 2
		}
		if err := r.sendFunc(to, subject, body); err != nil {
			L.Push(lua.LBool(false))
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LBool(true))
		return 1
	}))
	L.SetGlobal("communication", commTable)

	envTable := L.NewTable()
	L.SetField(envTable, "exec_command", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(false))
		L.Push(lua.LString("exec_command is disabled in this build"))
		return 2
	}))
	L.SetGlobal("environment", envTable)
}

// installJSONLib exposes json.encode/json.decode, the allow-listed
// substitute for gopher-lua's missing standard JSON support, so
// scripted actions can shape structured output without reaching for
// io/os serialization tricks.
func installJSONLib(L *lua.LState) {
	jsonTable := L.NewTable()
	L.SetField(jsonTable, "encode", L.NewFunction(func(L *lua.LState) int {
		value := L.CheckAny(1)
		data, err := json.Marshal(luaToGo(value))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(string(data)))
		return 1
	}))
	L.SetField(jsonTable, "decode", L.NewFunction(func(L *lua.LState) int {
		text := L.CheckString(1)
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(goToLua(L, v))
		return 1
	}))
	L.SetGlobal("json", jsonTable)
}

// luaToGo converts a Lua value into a plain Go value suitable for
// encoding/json, recursing into tables as either a []any (sequence) or
// a map[string]any (dictionary), matching the same heuristic Lua's own
// table/array duality requires.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if isLuaArray(val) {
			out := make([]any, 0, val.Len())
			val.ForEach(func(_, item lua.LValue) { out = append(out, luaToGo(item)) })
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(key, item lua.LValue) { out[key.String()] = luaToGo(item) })
		return out
	default:
		return nil
	}
}

func isLuaArray(t *lua.LTable) bool {
	n := t.Len()
	count := 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok || int(kn) < 1 || int(kn) > n {
			isArray = false
		}
	})
	if count == 0 {
		return true
	}
	return isArray && count == n
}

// goToLua converts a decoded JSON value (string/float64/bool/nil/
// []any/map[string]any) into a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		out := L.NewTable()
		for _, item := range val {
			out.Append(goToLua(L, item))
		}
		return out
	case map[string]any:
		out := L.NewTable()
		for k, item := range val {
			L.SetField(out, k, goToLua(L, item))
		}
		return out
	default:
		return lua.LNil
	}
}
