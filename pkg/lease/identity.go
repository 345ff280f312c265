package lease

import "fmt"

// Scope determines which local callers may observe, renew or release a
// tracked lease. It is purely local bookkeeping; the backend only ever
// sees the raw object lease.
type Scope int

const (
	// ScopeInstance ties the lease to one handle instance. Other handles
	// of the same object in this process cannot see it.
	ScopeInstance Scope = iota

	// ScopeProcess shares the lease among all handles of the object
	// within this process.
	ScopeProcess

	// ScopeCustom groups the lease under a caller-chosen string.
	ScopeCustom
)

func (s Scope) String() string {
	switch s {
	case ScopeInstance:
		return "instance"
	case ScopeProcess:
		return "process"
	case ScopeCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Identity names a lock within the registry. The zero value is
// instance-scoped.
type Identity struct {
	Scope  Scope
	Custom string // used only when Scope is ScopeCustom
}

// Instance returns an instance-scoped identity.
func Instance() Identity {
	return Identity{Scope: ScopeInstance}
}

// Process returns a process-scoped identity.
func Process() Identity {
	return Identity{Scope: ScopeProcess}
}

// Custom returns an identity scoped to an arbitrary string. All handles
// locking under the same string share the lease.
func Custom(s string) Identity {
	return Identity{Scope: ScopeCustom, Custom: s}
}

// Key resolves the registry table key for an object. instanceID is the
// unique id of the calling handle, objectURI the stable URI of the
// object.
func (id Identity) Key(instanceID, objectURI string) string {
	switch id.Scope {
	case ScopeProcess:
		return objectURI
	case ScopeCustom:
		return fmt.Sprintf("%s_%s", id.Custom, objectURI)
	default:
		return fmt.Sprintf("%s@%s", instanceID, objectURI)
	}
}
