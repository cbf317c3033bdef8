// Package script implements lights in a Lua script.
//
// The script declares a global lights table and the functions on, off and
// dim:
//
//	lights = { {name = "desk", on = false, bri = 0} }
//	function on(name) ... end
//	function off(name) ... end
//	function dim(name, level) ... end
//
// A function returning false, or raising an error, fails the call.
package script

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/fauxhue/internal/backends"
	"github.com/dokzlo13/fauxhue/internal/config"
)

// Name is the backend name used in logs
const Name = "script"

// Handler calls script functions. Targets are light names.
type Handler struct {
	rt *Runtime
}

// Probe loads the configured script and reads its lights. It returns nil
// when the backend is disabled.
func Probe(ctx context.Context, cfg config.ScriptConfig) (*backends.Backend, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("script: path is required")
	}

	rt := NewRuntime(0)
	log.Info().Str("path", cfg.Path).Msg("Loading Lua script")
	if err := rt.LoadFile(ctx, cfg.Path); err != nil {
		rt.Close()
		return nil, fmt.Errorf("script: %w", err)
	}

	var lights []backends.Light
	err := rt.Do(ctx, func(L *lua.LState) error {
		var err error
		lights, err = readLights(L)
		return err
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("script: %w", err)
	}

	log.Info().Str("backend", Name).Str("path", cfg.Path).Int("lights", len(lights)).Msg("Lua script loaded")

	return &backends.Backend{
		Name:    Name,
		Handler: &Handler{rt: rt},
		Lights:  lights,
		Close:   rt.Close,
	}, nil
}

func readLights(L *lua.LState) ([]backends.Light, error) {
	tbl, ok := L.GetGlobal("lights").(*lua.LTable)
	if !ok {
		return nil, nil
	}

	var lights []backends.Light
	for i := 1; i <= tbl.Len(); i++ {
		entry, ok := tbl.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("lights[%d] is not a table", i)
		}
		name := lua.LVAsString(entry.RawGetString("name"))
		if name == "" {
			return nil, fmt.Errorf("lights[%d] has no name", i)
		}
		bri := 0
		if n, ok := entry.RawGetString("bri").(lua.LNumber); ok {
			bri = int(n)
		}
		lights = append(lights, backends.Light{
			Name:   name,
			On:     lua.LVAsBool(entry.RawGetString("on")),
			Bri:    backends.ClampBri(bri),
			Target: name,
		})
	}
	return lights, nil
}

// Call runs a global script function. A false result is an error.
func (h *Handler) Call(ctx context.Context, fn string, args ...lua.LValue) error {
	return h.rt.Do(ctx, func(L *lua.LState) error {
		f, ok := L.GetGlobal(fn).(*lua.LFunction)
		if !ok {
			return fmt.Errorf("script: function %s is not defined", fn)
		}
		if err := L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, args...); err != nil {
			return fmt.Errorf("script: %s: %w", fn, err)
		}
		ret := L.Get(-1)
		L.Pop(1)
		if ret == lua.LFalse {
			return fmt.Errorf("script: %s returned false", fn)
		}
		return nil
	})
}

func lightName(target any) (lua.LString, error) {
	name, ok := target.(string)
	if !ok {
		return "", fmt.Errorf("script: unexpected target %T", target)
	}
	return lua.LString(name), nil
}

// On calls on(name)
func (h *Handler) On(ctx context.Context, target any) error {
	name, err := lightName(target)
	if err != nil {
		return err
	}
	return h.Call(ctx, "on", name)
}

// Off calls off(name)
func (h *Handler) Off(ctx context.Context, target any) error {
	name, err := lightName(target)
	if err != nil {
		return err
	}
	return h.Call(ctx, "off", name)
}

// Dim calls dim(name, level)
func (h *Handler) Dim(ctx context.Context, target any, level uint8) error {
	name, err := lightName(target)
	if err != nil {
		return err
	}
	return h.Call(ctx, "dim", name, lua.LNumber(level))
}
