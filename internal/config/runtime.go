package config

import (
	"log/slog"
	"sync/atomic"
)

// Runtime holds the tunables admin verbs may change while the gateway is
// serving. Every field is an atomic scalar so readers on any goroutine see a
// consistent value without locking.
type Runtime struct {
	sessionTimeout atomic.Int64 // seconds; 0 disables the sweeper
	wireLogLevel   atomic.Int32 // 0..7 scale reported by get_status
	level          *slog.LevelVar

	lockingDebug  atomic.Bool
	refcountDebug atomic.Bool
	logTimestamps atomic.Bool
	logColors     atomic.Bool
	libniceDebug  atomic.Bool

	maxNackQueue atomic.Int32 // ms; 0 disables, otherwise >= 200
	noMediaTimer atomic.Int32 // seconds; 0 disables

	acceptNewSessions atomic.Bool
}

// NewRuntime seeds the runtime tunables from the startup configuration.
func NewRuntime(cfg Config, level *slog.LevelVar) *Runtime {
	rt := &Runtime{level: level}
	rt.sessionTimeout.Store(int64(cfg.SessionTimeout))
	rt.wireLogLevel.Store(4)
	rt.maxNackQueue.Store(DefaultMaxNackQueue)
	rt.logTimestamps.Store(true)
	rt.acceptNewSessions.Store(true)
	return rt
}

func (rt *Runtime) SessionTimeout() int64      { return rt.sessionTimeout.Load() }
func (rt *Runtime) SetSessionTimeout(s int64)  { rt.sessionTimeout.Store(s) }

func (rt *Runtime) WireLogLevel() int { return int(rt.wireLogLevel.Load()) }

// SetWireLogLevel applies a 0..7 wire level to the shared slog LevelVar.
func (rt *Runtime) SetWireLogLevel(n int) error {
	lvl, err := LevelFromWire(n)
	if err != nil {
		return err
	}
	rt.wireLogLevel.Store(int32(n))
	if rt.level != nil {
		rt.level.Set(lvl)
	}
	return nil
}

func (rt *Runtime) LockingDebug() bool       { return rt.lockingDebug.Load() }
func (rt *Runtime) SetLockingDebug(on bool)  { rt.lockingDebug.Store(on) }
func (rt *Runtime) RefcountDebug() bool      { return rt.refcountDebug.Load() }
func (rt *Runtime) SetRefcountDebug(on bool) { rt.refcountDebug.Store(on) }
func (rt *Runtime) LogTimestamps() bool      { return rt.logTimestamps.Load() }
func (rt *Runtime) SetLogTimestamps(on bool) { rt.logTimestamps.Store(on) }
func (rt *Runtime) LogColors() bool          { return rt.logColors.Load() }
func (rt *Runtime) SetLogColors(on bool)     { rt.logColors.Store(on) }
func (rt *Runtime) LibniceDebug() bool       { return rt.libniceDebug.Load() }
func (rt *Runtime) SetLibniceDebug(on bool)  { rt.libniceDebug.Store(on) }

func (rt *Runtime) MaxNackQueue() int        { return int(rt.maxNackQueue.Load()) }
func (rt *Runtime) SetMaxNackQueue(ms int)   { rt.maxNackQueue.Store(int32(ms)) }
func (rt *Runtime) NoMediaTimer() int        { return int(rt.noMediaTimer.Load()) }
func (rt *Runtime) SetNoMediaTimer(s int)    { rt.noMediaTimer.Store(int32(s)) }

func (rt *Runtime) AcceptNewSessions() bool      { return rt.acceptNewSessions.Load() }
func (rt *Runtime) SetAcceptNewSessions(on bool) { rt.acceptNewSessions.Store(on) }
