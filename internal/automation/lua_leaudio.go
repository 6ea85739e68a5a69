//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"leaudio-groupd/internal/group"
)

const maxHandlersPerScript = 100

// registerLeaudioModule registers the `leaudio` global table in a Lua state.
func registerLeaudioModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return leaudioOn(L, vm) },
		"start":     func(L *lua.LState) int { return leaudioStream(L, e, e.coord.StartStream) },
		"configure": func(L *lua.LState) int { return leaudioStream(L, e, e.coord.ConfigureStream) },
		"suspend":   func(L *lua.LState) int { return leaudioGroupOp(L, e, e.coord.SuspendStream) },
		"stop":      func(L *lua.LState) int { return leaudioGroupOp(L, e, e.coord.StopStream) },
		"groups":    func(L *lua.LState) int { return leaudioGroups(L, e) },
		"after":     func(L *lua.LState) int { return leaudioAfter(L, vm, e) },
		"log":       func(L *lua.LState) int { return leaudioLog(L, vm, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("leaudio", mod)
}

// leaudio.on(type[, filter], callback). Type "*" matches every event.
func leaudioOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	var (
		filterTable *lua.LTable
		fn          *lua.LFunction
	)
	if L.GetTop() >= 3 {
		filterTable = L.CheckTable(2)
		fn = L.CheckFunction(3)
	} else {
		fn = L.CheckFunction(2)
	}

	h := luaEventHandler{eventType: eventType, fn: fn}
	if filterTable != nil {
		h.filter = make(map[string]string)
		filterTable.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				h.filter[string(ks)] = v.String()
			}
		})
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

type streamOp func(ctx context.Context, groupID int, audio group.ContextType, ccid int) error

// leaudio.start/configure(group, context[, ccid]) returns ok, err.
func leaudioStream(L *lua.LState, e *Engine, op streamOp) int {
	id := L.CheckInt(1)
	name := L.OptString(2, "media")
	ccid := L.OptInt(3, 0)

	audio, err := group.ParseContextType(name)
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return pushResult(L, e, op(ctx, id, audio, ccid), id)
}

// leaudio.suspend/stop(group) returns ok, err.
func leaudioGroupOp(L *lua.LState, e *Engine, op func(context.Context, int) error) int {
	id := L.CheckInt(1)
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return pushResult(L, e, op(ctx, id), id)
}

func pushResult(L *lua.LState, e *Engine, err error, groupID int) int {
	if err != nil {
		e.logger.Warn("script group operation failed", "group", groupID, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// leaudio.groups() returns a list of group tables.
func leaudioGroups(L *lua.LState, e *Engine) int {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	tbl := L.NewTable()
	groups, err := e.coord.Groups(ctx)
	if err != nil {
		e.logger.Warn("list groups for script", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, g := range groups {
		t := L.NewTable()
		t.RawSetString("id", lua.LNumber(g.ID))
		t.RawSetString("state", lua.LString(g.State))
		t.RawSetString("target_state", lua.LString(g.TargetState))
		t.RawSetString("context", lua.LString(g.Context))
		connected := 0
		for _, d := range g.Devices {
			if d.Connected {
				connected++
			}
		}
		t.RawSetString("devices", lua.LNumber(len(g.Devices)))
		t.RawSetString("connected", lua.LNumber(connected))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// leaudio.after(seconds, callback) runs callback on the script goroutine.
func leaudioAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		ok := vm.post(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		})
		if !ok {
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// leaudio.log(msg)
func leaudioLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}
