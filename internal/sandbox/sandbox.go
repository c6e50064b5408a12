// Package sandbox executes page scripts in a restricted Lua environment.
// Scripts see math, string, and table libraries, a clock helper, JSON
// helpers, and the request; they cannot touch files, the OS, or other
// pages.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/helpers"
	"github.com/httptim/rednetd/internal/rederr"
)

const maxErrorLength = 200

// Request is the page request handed to a script.
type Request struct {
	URL     string
	Method  string
	Params  map[string]string
	Headers map[string]string
	Cookies map[string]string
	Body    string
}

// Response is what a script produced.
type Response struct {
	Body   string
	Status int
}

// Sandbox runs scripts with a wall-clock budget and bounded output.
type Sandbox struct {
	cfg config.SandboxConfig
}

// New creates a sandbox with the given limits.
func New(cfg config.SandboxConfig) *Sandbox {
	return &Sandbox{cfg: cfg}
}

// Execute runs script against req. The script's return value becomes the
// body; print output is prepended. Runaway scripts are cut off at the
// configured budget with a timeout error.
func (s *Sandbox) Execute(ctx context.Context, script string, req Request) (Response, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	var printed strings.Builder
	s.install(L, req, &printed)

	budget := time.Duration(s.cfg.ExecTimeout * float64(time.Second))
	execCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	L.SetContext(execCtx)

	if err := L.DoString(script); err != nil {
		if execCtx.Err() != nil {
			return Response{}, fmt.Errorf("script exceeded %s budget: %w", budget, rederr.ErrTimeout)
		}
		return Response{}, fmt.Errorf("script error: %s: %w", shortError(err), rederr.ErrValidation)
	}

	resp := Response{Status: 200}
	if ret := L.Get(-1); ret != lua.LNil {
		resp.Body = lua.LVAsString(ret)
	}
	if printed.Len() > 0 {
		resp.Body = printed.String() + resp.Body
	}
	if len(resp.Body) > s.cfg.MaxOutputSize {
		resp.Body = helpers.Truncate(resp.Body, s.cfg.MaxOutputSize)
	}
	return resp, nil
}

// install opens the allowed libraries and wires the host functions.
func (s *Sandbox) install(L *lua.LState, req Request, printed *strings.Builder) {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	// Base opens a few escape hatches; close them.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		for i := 1; i <= top; i++ {
			if i > 1 {
				printed.WriteByte('\t')
			}
			printed.WriteString(L.ToStringMeta(L.Get(i)).String())
		}
		printed.WriteByte('\n')
		return 0
	}))

	// timeofday() returns seconds since local midnight, enough for clocks
	// on pages without exposing the os library.
	L.SetGlobal("timeofday", L.NewFunction(func(L *lua.LState) int {
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		L.Push(lua.LNumber(now.Sub(midnight).Seconds()))
		return 1
	}))

	jsonTable := L.NewTable()
	L.SetField(jsonTable, "encode", L.NewFunction(luaJSONEncode))
	L.SetField(jsonTable, "decode", L.NewFunction(luaJSONDecode))
	L.SetGlobal("json", jsonTable)

	reqTable := L.NewTable()
	L.SetField(reqTable, "url", lua.LString(req.URL))
	L.SetField(reqTable, "method", lua.LString(req.Method))
	params := L.NewTable()
	for k, v := range req.Params {
		L.SetField(params, k, lua.LString(v))
	}
	L.SetField(reqTable, "params", params)
	headers := L.NewTable()
	for k, v := range req.Headers {
		L.SetField(headers, k, lua.LString(v))
	}
	L.SetField(reqTable, "headers", headers)
	cookies := L.NewTable()
	for k, v := range req.Cookies {
		L.SetField(cookies, k, lua.LString(v))
	}
	L.SetField(reqTable, "cookies", cookies)
	L.SetField(reqTable, "body", lua.LString(req.Body))
	L.SetGlobal("request", reqTable)
}

func luaJSONEncode(L *lua.LState) int {
	data, err := json.Marshal(luaToGo(L.CheckAny(1)))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

func luaJSONDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, v))
	return 1
}

// luaToGo converts a Lua value to plain Go data for JSON encoding.
// Tables with only positive integer keys become arrays.
func luaToGo(v lua.LValue) any {
	switch lv := v.(type) {
	case lua.LBool:
		return bool(lv)
	case lua.LNumber:
		return float64(lv)
	case lua.LString:
		return string(lv)
	case *lua.LTable:
		maxN := lv.MaxN()
		if maxN > 0 {
			arr := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				arr = append(arr, luaToGo(lv.RawGetInt(i)))
			}
			return arr
		}
		obj := make(map[string]any)
		lv.ForEach(func(k, val lua.LValue) {
			obj[lua.LVAsString(k)] = luaToGo(val)
		})
		return obj
	default:
		return nil
	}
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch gv := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(gv)
	case float64:
		return lua.LNumber(gv)
	case string:
		return lua.LString(gv)
	case []any:
		t := L.NewTable()
		for _, item := range gv {
			t.Append(goToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range gv {
			L.SetField(t, k, goToLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// shortError reduces a Lua error to its first line, bounded in length.
func shortError(err error) string {
	var apiErr *lua.ApiError
	msg := err.Error()
	if errors.As(err, &apiErr) {
		msg = apiErr.Object.String()
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return helpers.Truncate(msg, maxErrorLength)
}
