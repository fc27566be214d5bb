//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"blelock-home/internal/coordinator"
)

const maxHandlersPerScript = 100

// registerLocksModule registers the `locks` global table in a Lua state.
func registerLocksModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return locksOn(L, vm) },
		"unlock":    func(L *lua.LState) int { return locksUnlock(L, vm, e) },
		"scan":      func(L *lua.LState) int { return locksScan(L, vm, e) },
		"stop_scan": func(L *lua.LState) int { return locksStopScan(L, vm, e) },
		"devices":   func(L *lua.LState) int { return locksDevices(L, e) },
		"catalog":   func(L *lua.LState) int { return locksCatalog(L, e) },
		"sessions":  func(L *lua.LState) int { return locksSessions(L, e) },
		"after":     func(L *lua.LState) int { return locksAfter(L, vm, e) },
		"log":       func(L *lua.LState) int { return locksLog(L, vm, e) },
	}
	L.SetGlobal("locks", L.SetFuncs(L.NewTable(), fns))
}

// locks.on(type, filter, callback)
func locksOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{
		eventType: L.CheckString(1),
		filter:    make(map[string]string),
		fn:        L.CheckFunction(3),
	}
	L.CheckTable(2).ForEach(func(k, v lua.LValue) {
		key := k.String()
		val := v.String()
		if key == "mac" {
			if mac, err := coordinator.NormalizeIdentifier(val); err == nil {
				val = mac
			}
		}
		h.filter[key] = val
	})

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// locks.unlock(target [, credentials]) -> session_id | nil, err
//
// target is a catalogued lock name or a MAC. Uncatalogued MACs need a
// credentials table {aes_key, auth_code, key_group_id, protocol_version}.
func locksUnlock(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)

	req, ok := unlockRequest(L, e, target)
	if !ok {
		L.Push(lua.LNil)
		L.Push(lua.LString("unknown lock: " + target))
		return 2
	}
	if vm.dryRun {
		vm.logs("[dry-run] unlock " + req.Target)
		L.Push(lua.LString("dry-run"))
		return 1
	}

	s, err := e.coord.Unlock(req)
	if err != nil {
		e.logger.Warn("script unlock failed", "target", target, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	e.logger.Info("script unlock", "target", target, "session", s.ID)
	L.Push(lua.LString(s.ID))
	return 1
}

func unlockRequest(L *lua.LState, e *Engine, target string) (coordinator.UnlockRequest, bool) {
	if entry, ok := e.coord.Catalog().Lookup(target); ok {
		return entry.Request(), true
	}
	tbl, ok := L.Get(2).(*lua.LTable)
	if !ok {
		return coordinator.UnlockRequest{}, false
	}
	return coordinator.UnlockRequest{
		Target:          target,
		AESKey:          lua.LVAsString(tbl.RawGetString("aes_key")),
		AuthCode:        lua.LVAsString(tbl.RawGetString("auth_code")),
		KeyGroupID:      uint32(lua.LVAsNumber(tbl.RawGetString("key_group_id"))),
		ProtocolVersion: uint8(lua.LVAsNumber(tbl.RawGetString("protocol_version"))),
	}, true
}

// locks.scan()
func locksScan(L *lua.LState, vm *scriptVM, e *Engine) int {
	if vm.dryRun {
		vm.logs("[dry-run] scan")
		return 0
	}
	e.coord.StartScan()
	return 0
}

// locks.stop_scan()
func locksStopScan(L *lua.LState, vm *scriptVM, e *Engine) int {
	if vm.dryRun {
		vm.logs("[dry-run] stop_scan")
		return 0
	}
	e.coord.StopScan()
	return 0
}

// locks.devices() -> {{mac, name, rssi, seen_at}, ...} from the current scan
func locksDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, h := range e.coord.Registry().Snapshot() {
		d := L.NewTable()
		d.RawSetString("mac", lua.LString(h.Device.MAC))
		d.RawSetString("name", lua.LString(h.Device.Name))
		d.RawSetString("rssi", lua.LNumber(h.Device.RSSI))
		d.RawSetString("seen_at", lua.LNumber(h.SeenAt.Unix()))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// locks.catalog() -> {{name, mac, room}, ...}
func locksCatalog(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, entry := range e.coord.Catalog().List() {
		d := L.NewTable()
		d.RawSetString("name", lua.LString(entry.Name))
		d.RawSetString("mac", lua.LString(entry.MAC))
		d.RawSetString("room", lua.LString(entry.Room))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// locks.sessions() -> {{id, mac, name, state}, ...}
func locksSessions(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, s := range e.coord.Sessions() {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(s.ID))
		d.RawSetString("mac", lua.LString(s.MAC))
		d.RawSetString("name", lua.LString(s.Name))
		d.RawSetString("state", lua.LString(s.State))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// locks.after(seconds, callback)
func locksAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
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

// locks.log(msg)
func locksLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logs != nil {
		vm.logs(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}
