package authz

import (
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultPermissionCacheSize = 4096

type cachedPermissions struct {
	version uint64
	perms   permissionSet
}

// RBAC answers static permission checks against the current snapshot.
// Until the first snapshot is installed every check is denied.
type RBAC struct {
	snapshot atomic.Pointer[PolicySnapshot]
	version  atomic.Uint64
	// mu serializes snapshot writers; readers never take it.
	mu    sync.Mutex
	cache *lru.Cache[string, cachedPermissions]
}

// NewRBAC creates an evaluator with a per-subject effective permission
// cache of the given size (<= 0 uses the default).
func NewRBAC(cacheSize int) *RBAC {
	if cacheSize <= 0 {
		cacheSize = defaultPermissionCacheSize
	}
	cache, err := lru.New[string, cachedPermissions](cacheSize)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &RBAC{cache: cache}
}

// Install swaps in a new snapshot and drops every cached permission set.
func (r *RBAC) Install(s *PolicySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.version = r.version.Add(1)
	r.snapshot.Store(s)
	r.cache.Purge()
}

// Loaded reports whether a snapshot has been installed.
func (r *RBAC) Loaded() bool {
	return r.snapshot.Load() != nil
}

// Snapshot returns the current snapshot, or nil before the first load.
func (r *RBAC) Snapshot() *PolicySnapshot {
	return r.snapshot.Load()
}

// SetSubjectRoles replaces one subject's role assignments in the current
// snapshot and drops that subject's cached permissions.
func (r *RBAC) SetSubjectRoles(userID string, roleIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot.Load()
	if cur == nil {
		return
	}
	next := cur.withUserRoles(userID, roleIDs)
	next.version = r.version.Add(1)
	r.snapshot.Store(next)
	r.cache.Remove(userID)
}

// Invalidate drops cached permissions for the given subjects, or for every
// subject when none are given.
func (r *RBAC) Invalidate(userIDs ...string) {
	if len(userIDs) == 0 {
		r.cache.Purge()
		return
	}
	for _, id := range userIDs {
		r.cache.Remove(id)
	}
}

// CachedSubjects returns the number of subjects with cached permissions.
func (r *RBAC) CachedSubjects() int {
	return r.cache.Len()
}

// Check reports whether subject may perform action on resource. It never
// panics; the error explains a deny that is not a plain missing grant.
func (r *RBAC) Check(subject Subject, resource, action string) (bool, error) {
	if !subject.Authenticated() {
		return false, ErrUnauthenticated
	}
	snap := r.snapshot.Load()
	if snap == nil {
		return false, ErrPolicyLoadPending
	}
	_, ok := r.permissions(snap, subject.ID)[Permission{Resource: resource, Action: action}]
	return ok, nil
}

// HasPermission is Check without the reason.
func (r *RBAC) HasPermission(subject Subject, resource, action string) bool {
	ok, _ := r.Check(subject, resource, action)
	return ok
}

// EffectivePermissions returns the sorted union of the subject's grants.
func (r *RBAC) EffectivePermissions(userID string) []Permission {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil
	}
	set := r.permissions(snap, userID)
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Action < out[j].Action
	})
	return out
}

func (r *RBAC) permissions(snap *PolicySnapshot, userID string) permissionSet {
	if c, ok := r.cache.Get(userID); ok && c.version == snap.version {
		return c.perms
	}
	perms := snap.effective(userID)
	r.cache.Add(userID, cachedPermissions{version: snap.version, perms: perms})
	return perms
}
