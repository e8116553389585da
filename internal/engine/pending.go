package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/continuation"
)

// Reason tags why a script suspended.
type Reason int

const (
	// ImportRequest waits for a module's exports.
	ImportRequest Reason = iota + 1

	// OutboundCall waits for a network response.
	OutboundCall

	// ClientReply waits for a reply from a connected client.
	ClientReply
)

func (r Reason) String() string {
	switch r {
	case ImportRequest:
		return "import"
	case OutboundCall:
		return "outbound"
	case ClientReply:
		return "client-message"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// settlesLater reports whether a result for r can still arrive after its
// owner is gone. Imports and outbound calls finish on their own; a client
// reply needs the client, which left with the owner.
func (r Reason) settlesLater() bool { return r != ClientReply }

// Transform maps the raw delivered result to the value the script observes.
type Transform func(raw any) any

// PendingContinuation is one suspended script execution.
//
// Everything needed to resume lives here: the engine token, the saved frame
// chain, the environment and the activation the script was running with.
type PendingContinuation struct {
	Key     string
	Owner   any
	Reason  Reason
	Payload any

	// Transform is applied to the delivered value before re-injection.
	// Nil means identity.
	Transform Transform

	// Context is the frame that was on top when the script suspended.
	Context *ExecutionContext

	Environment Environment

	token      *continuation.Continuation
	activation *Activation
}

func (pc *PendingContinuation) apply(raw any) any {
	if pc.Transform == nil {
		return raw
	}
	return pc.Transform(raw)
}

func (pc *PendingContinuation) String() string {
	return fmt.Sprintf("%s[%s owner=%s]", pc.Key, pc.Reason, describeOwner(pc.Owner))
}

// Registry maps (owner, pending key) to suspended continuations.
//
// It is the only scheduler structure mutated from arbitrary goroutines:
// network completions and client replies resume continuations from outside
// the owning worker.
//
// INVARIANT: at most one entry per (owner, key). A second Add under a live
// key, or a Take of a missing key, panics with an InvariantError.
type Registry struct {
	mu      sync.Mutex
	entries map[any]map[string]*PendingContinuation

	// abandoned remembers keys removed by Abandon, so that a result
	// arriving for one later can be told apart from a bogus key.
	abandoned map[any]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[any]map[string]*PendingContinuation),
		abandoned: make(map[any]map[string]struct{}),
	}
}

// Add registers pc under (owner, key).
func (r *Registry) Add(owner any, key string, pc *PendingContinuation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.entries[owner]
	if keys == nil {
		keys = make(map[string]*PendingContinuation)
		r.entries[owner] = keys
	}
	if _, exists := keys[key]; exists {
		invariant("registry.Add", "pending key %s is being shared by %s", key, describeOwner(owner))
	}
	keys[key] = pc
}

// Take removes and returns the entry under (owner, key).
func (r *Registry) Take(owner any, key string) *PendingContinuation {
	pc, ok := r.TryTake(owner, key)
	if !ok {
		invariant("registry.Take", "no pending continuation %s for %s", key, describeOwner(owner))
	}
	return pc
}

// TryTake is Take for callers that relay untrusted keys, such as replies
// arriving from a client.
func (r *Registry) TryTake(owner any, key string) (*PendingContinuation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.entries[owner]
	pc, ok := keys[key]
	if !ok {
		return nil, false
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.entries, owner)
	}
	return pc, true
}

// TakeAll removes every entry of owner and returns them in key order.
func (r *Registry) TakeAll(owner any) []*PendingContinuation {
	r.mu.Lock()
	keys := r.entries[owner]
	delete(r.entries, owner)
	r.mu.Unlock()

	pcs := make([]*PendingContinuation, 0, len(keys))
	for _, pc := range keys {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return keyLess(pcs[i].Key, pcs[j].Key) })
	return pcs
}

// Abandon is TakeAll for an owner that is going away. Keys whose result
// can still arrive are remembered until ForgetAbandoned reports them; the
// rest are forgotten at once so the owner is not retained.
func (r *Registry) Abandon(owner any) []*PendingContinuation {
	pcs := r.TakeAll(owner)
	if len(pcs) == 0 {
		return pcs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pc := range pcs {
		if !pc.Reason.settlesLater() {
			continue
		}
		keys := r.abandoned[owner]
		if keys == nil {
			keys = make(map[string]struct{})
			r.abandoned[owner] = keys
		}
		keys[pc.Key] = struct{}{}
	}
	return pcs
}

// ForgetAbandoned reports whether (owner, key) was removed by Abandon, and
// forgets it.
func (r *Registry) ForgetAbandoned(owner any, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.abandoned[owner]
	if _, ok := keys[key]; !ok {
		return false
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.abandoned, owner)
	}
	return true
}

// Drain removes every entry.
func (r *Registry) Drain() []*PendingContinuation {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[any]map[string]*PendingContinuation)
	r.mu.Unlock()

	var pcs []*PendingContinuation
	for _, keys := range entries {
		for _, pc := range keys {
			pcs = append(pcs, pc)
		}
	}
	sort.Slice(pcs, func(i, j int) bool { return keyLess(pcs[i].Key, pcs[j].Key) })
	return pcs
}

// Has reports whether (owner, key) is registered.
func (r *Registry) Has(owner any, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[owner][key]
	return ok
}

// Len returns the total number of pending continuations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, keys := range r.entries {
		n += len(keys)
	}
	return n
}

// OwnerLen returns the number of pending continuations of owner.
func (r *Registry) OwnerLen(owner any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[owner])
}

// keyLess orders "prefix-N" keys numerically, falling back to string order.
func keyLess(a, b string) bool {
	an, aok := keySeq(a)
	bn, bok := keySeq(b)
	if aok && bok && an != bn {
		return an < bn
	}
	return a < b
}

func keySeq(key string) (int64, bool) {
	i := strings.LastIndexByte(key, '-')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(key[i+1:], 10, 64)
	return n, err == nil
}

// describeOwner renders an owner for logs and the journal.
func describeOwner(owner any) string {
	switch o := owner.(type) {
	case nil:
		return "<nil>"
	case *DocumentRequest:
		return o.String()
	case Connection:
		return "connection:" + o.ID()
	case *RequiredModule:
		return o.String()
	case Environment:
		return "env:" + o.BaseName() + "/" + o.Name()
	case fmt.Stringer:
		return o.String()
	default:
		return fmt.Sprintf("%T", owner)
	}
}
