//go:build !no_automation

package automation

import (
	"context"
	"strconv"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/security"
)

const (
	maxHandlersPerScript = 100
	controllerTimeout    = 10 * time.Second
)

// registerZWaveModule installs the zwave global. When capture is set,
// zwave.log goes there instead of the engine logger.
func registerZWaveModule(L *lua.LState, vm *scriptVM, e *Engine, capture func(string)) {
	fns := map[string]lua.LGFunction{
		"on":               func(L *lua.LState) int { return zwaveOn(L, vm) },
		"after":            func(L *lua.LState) int { return zwaveAfter(L, vm, e) },
		"state":            func(L *lua.LState) int { return zwaveState(L, e) },
		"nodes":            func(L *lua.LState) int { return zwaveNodes(L, e) },
		"include":          func(L *lua.LState) int { return zwaveInclude(L, vm, e) },
		"stop_inclusion":   func(L *lua.LState) int { return zwaveStop(L, vm, e.ctl.StopInclusion) },
		"exclude":          func(L *lua.LState) int { return zwaveExclude(L, vm, e) },
		"stop_exclusion":   func(L *lua.LState) int { return zwaveStop(L, vm, e.ctl.StopExclusion) },
		"provision":        func(L *lua.LState) int { return zwaveProvision(L, e) },
		"unprovision":      func(L *lua.LState) int { return zwaveUnprovision(L, e) },
		"cancel_bootstrap": func(L *lua.LState) int { return zwaveCancelBootstrap(L, e) },
		"log": func(L *lua.LState) int {
			msg := L.CheckString(1)
			if capture != nil {
				capture(msg)
			}
			e.logger.Info("script log", "msg", msg)
			return 0
		},
	}
	L.SetGlobal("zwave", L.SetFuncs(L.NewTable(), fns))
}

// zwave.on(type, [filter], callback). type "*" matches every event and
// filter may hold node=N.
func zwaveOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	h := luaEventHandler{eventType: eventType}
	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if n, ok := filter.RawGetString("node").(lua.LNumber); ok {
			h.nodeID = uint16(n)
		}
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

// zwave.after(seconds, callback)
func zwaveAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

func zwaveState(L *lua.LState, e *Engine) int {
	L.Push(lua.LString(e.ctl.State()))
	return 1
}

// zwave.nodes() returns an array of {id, name, controller, classes, low_security}.
func zwaveNodes(L *lua.LState, e *Engine) int {
	nodes, err := e.ctl.Nodes()
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	out := L.NewTable()
	for _, n := range nodes {
		t := L.NewTable()
		t.RawSetString("id", lua.LNumber(n.ID))
		t.RawSetString("name", lua.LString(n.FriendlyName))
		t.RawSetString("controller", lua.LBool(n.IsController))
		t.RawSetString("low_security", lua.LBool(n.LowSecurity))
		classes := L.NewTable()
		if n.Grants != nil {
			for _, c := range n.Grants.Classes() {
				classes.Append(lua.LString(c.String()))
			}
		}
		t.RawSetString("classes", classes)
		out.Append(t)
	}
	L.Push(out)
	return 1
}

func callContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, controllerTimeout)
}

// pushStarted pushes (ok) or (false, err) for a Begin/Stop call.
func pushStarted(L *lua.LState, ok bool, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LBool(ok))
	return 1
}

// zwave.include([strategy])
func zwaveInclude(L *lua.LState, vm *scriptVM, e *Engine) int {
	var opts controller.InclusionOptions
	if err := opts.Strategy.UnmarshalText([]byte(L.OptString(1, ""))); err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	if opts.Strategy == controller.StrategySmartStart {
		L.ArgError(1, "smart_start inclusion starts on its own")
		return 0
	}
	ctx, cancel := callContext(vm)
	defer cancel()
	ok, err := e.ctl.BeginInclusion(ctx, opts)
	return pushStarted(L, ok, err)
}

// zwave.exclude([strategy]) defaults to disabling the provisioning entry.
func zwaveExclude(L *lua.LState, vm *scriptVM, e *Engine) int {
	opts := controller.ExclusionOptions{Strategy: controller.DisableProvisioningEntry}
	if s := L.OptString(1, ""); s != "" {
		if err := opts.Strategy.UnmarshalText([]byte(s)); err != nil {
			L.ArgError(1, err.Error())
			return 0
		}
	}
	ctx, cancel := callContext(vm)
	defer cancel()
	ok, err := e.ctl.BeginExclusion(ctx, opts)
	return pushStarted(L, ok, err)
}

func zwaveStop(L *lua.LState, vm *scriptVM, stop func(context.Context) (bool, error)) int {
	ctx, cancel := callContext(vm)
	defer cancel()
	ok, err := stop(ctx)
	return pushStarted(L, ok, err)
}

// zwave.provision(dsk, classes, [name])
func zwaveProvision(L *lua.LState, e *Engine) int {
	entry := provisioning.Entry{DSK: L.CheckString(1), Name: L.OptString(3, "")}
	names, err := luaStrings(L.CheckTable(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	for _, n := range names {
		c, err := security.ParseClass(n)
		if err != nil {
			L.ArgError(2, err.Error())
			return 0
		}
		entry.SecurityClasses = append(entry.SecurityClasses, c)
	}
	if err := e.ctl.ProvisionSmartStartNode(entry); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// zwave.unprovision(dsk_or_node_id)
func zwaveUnprovision(L *lua.LState, e *Engine) int {
	var ref string
	switch v := L.CheckAny(1).(type) {
	case lua.LNumber:
		ref = strconv.Itoa(int(v))
	default:
		ref = v.String()
	}
	if err := e.ctl.UnprovisionSmartStartNode(ref); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// zwave.cancel_bootstrap([reason])
func zwaveCancelBootstrap(L *lua.LState, e *Engine) int {
	reason := bootstrap.ReasonUserCanceled
	if s := L.OptString(1, ""); s != "" {
		if err := reason.UnmarshalText([]byte(s)); err != nil {
			L.ArgError(1, err.Error())
			return 0
		}
	}
	L.Push(lua.LBool(e.ctl.CancelSecureBootstrap(reason)))
	return 1
}
