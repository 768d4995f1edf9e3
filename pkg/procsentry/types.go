// Package procsentry manages the lifecycle and OS-level reclaim priority of
// a fixed pool of worker processes: it hands out slots, wires up a setup
// channel to each worker, and continuously recomputes the binding levels
// that drive how aggressively the host OS may reclaim them under memory
// pressure.
package procsentry

import (
	"errors"
	"fmt"
)

// PID identifies a live worker process. It is zero until a connection's
// setup completes successfully.
type PID int32

// WorkerClass distinguishes sandboxed worker classes from non-sandboxed
// ones; each class owns its own allocator and slot pool.
type WorkerClass string

const (
	// ClassSandboxed is the restricted-privilege worker class.
	ClassSandboxed WorkerClass = "sandboxed"
	// ClassNonSandboxed is the unrestricted worker class.
	ClassNonSandboxed WorkerClass = "non-sandboxed"
)

// ServiceName identifies an allocator slot: a worker class plus the index
// of the slot it occupies.
type ServiceName struct {
	Class WorkerClass
	Slot  int
}

func (s ServiceName) String() string {
	return fmt.Sprintf("%s-%d", s.Class, s.Slot)
}

// BindingLevel names one of the four OS-importance channels a connection
// can hold. The transport binder maps these to platform-specific priority
// values.
type BindingLevel int

const (
	// LevelInitial is held while a connection is merely expected to be
	// needed soon ("boost for pending views").
	LevelInitial BindingLevel = iota
	// LevelStrong is held while the connection backs a visible surface.
	LevelStrong
	// LevelModerate is held while the connection was recently foreground
	// but now sits in the bounded moderate pool.
	LevelModerate
	// LevelWaived is held for the whole live lifetime; a connection
	// holding only this level is fully reclaim-eligible.
	LevelWaived
)

func (l BindingLevel) String() string {
	switch l {
	case LevelInitial:
		return "initial"
	case LevelStrong:
		return "strong"
	case LevelModerate:
		return "moderate"
	case LevelWaived:
		return "waived"
	default:
		return "unknown"
	}
}

// PressureLevel mirrors the host's memory-pressure signal, collapsed to
// the four logical tiers the binding manager reacts to. Host-specific
// codes outside this set should be mapped to the nearest tier by the
// caller before invoking OnTrimMemory.
type PressureLevel int

const (
	PressureRunningModerate PressureLevel = iota
	PressureRunningLow
	PressureUIHidden
	PressureComplete
)

// SpawnData carries everything needed to bring up one worker connection.
type SpawnData struct {
	Class         WorkerClass
	Sandboxed     bool
	Foreground    bool
	Parameters    CreationParams
	SetupPayload  []byte
	LaunchCallback LaunchCallback
}

// CreationParams mirrors the spec's creationParams bundle.
type CreationParams struct {
	PackageNameForSandboxed    string
	IsSandboxedServiceExternal bool
	BindToCallerCheck          bool
}

// Equal reports whether two parameter sets would be served by the same
// warm spare connection.
func (p CreationParams) Equal(other CreationParams) bool {
	return p == other
}

// SetupEnvelope is the canonical setup payload the launcher marshals with
// its configured Codec when a spawn doesn't supply a pre-encoded
// SpawnData.SetupPayload of its own — just enough for the worker's setup
// handshake to identify which slot and package it is serving.
type SetupEnvelope struct {
	Service   string
	Package   string
	Sandboxed bool
}

// LaunchCallback is invoked at most once per spawn.
type LaunchCallback interface {
	OnStarted(conn *Connection)
}

// LaunchCallbackFunc adapts a function to a LaunchCallback.
type LaunchCallbackFunc func(conn *Connection)

func (f LaunchCallbackFunc) OnStarted(conn *Connection) { f(conn) }

// DeathCallback fires at most once per connection.
type DeathCallback interface {
	OnDied(conn *Connection)
}

// DeathCallbackFunc adapts a function to a DeathCallback.
type DeathCallbackFunc func(conn *Connection)

func (f DeathCallbackFunc) OnDied(conn *Connection) { f(conn) }

// StartCallback fires exactly once per Connection.Start call.
type StartCallback interface {
	Started()
	Failed()
}

// ConnectionCallback fires exactly once per Connection.SetupConnection call.
type ConnectionCallback interface {
	OnConnected(conn *Connection)
}

// ConnectionCallbackFunc adapts a function to a ConnectionCallback.
type ConnectionCallbackFunc func(conn *Connection)

func (f ConnectionCallbackFunc) OnConnected(conn *Connection) { f(conn) }

// Sentinel errors surfaced through the package's constructors. Per-call
// failures are reported through callbacks, not errors, matching the
// propagation policy: the core never throws out through its public API
// except for configuration errors raised at startup.
var (
	// ErrMissingService is returned (wrapped) by NewStaticDiscovery when a
	// configured worker binary cannot be found, and by
	// StaticDiscovery.Resolve for a class that was never registered.
	ErrMissingService = errors.New("procsentry: missing service")
	// ErrAllocatorExhausted names the no-free-slot, declined-to-queue
	// outcome; Allocate itself reports that case as (nil, false) and does
	// not return this error.
	ErrAllocatorExhausted = errors.New("procsentry: allocator exhausted")
	// ErrAlreadyStarted is returned when Start is called twice on the
	// same connection.
	ErrAlreadyStarted = errors.New("procsentry: connection already started")
	// ErrPeerBindingRejected is returned when the peer-binding check
	// reports the worker is already bound to another client.
	ErrPeerBindingRejected = errors.New("procsentry: peer binding rejected")
	// ErrChannelLost records that setup resolved with nil because the
	// channel disconnected before it could commit.
	ErrChannelLost = errors.New("procsentry: channel lost before setup")
)
