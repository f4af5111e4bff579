package proof

import "sync"

// Registry resolves a verifier by chain name. Chains without an installed
// verifier resolve to Reject, and a panicking verifier counts as a rejection.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
	tracker   *HeaderTracker
}

func NewRegistry(tracker *HeaderTracker) *Registry {
	if tracker == nil {
		tracker = NewHeaderTracker()
	}
	return &Registry{
		verifiers: make(map[string]Verifier),
		tracker:   tracker,
	}
}

// Tracker returns the header tracker anchored verifiers consult.
func (r *Registry) Tracker() *HeaderTracker {
	return r.tracker
}

// Install sets the verifier for chain, replacing any previous one.
func (r *Registry) Install(chain string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v == nil {
		delete(r.verifiers, chain)
		return
	}
	r.verifiers[chain] = v
}

// InstallPolicy installs the verifier built by ForPolicy.
func (r *Registry) InstallPolicy(chain, policy, family string) error {
	v, err := ForPolicy(policy, family, r.tracker)
	if err != nil {
		return err
	}
	r.Install(chain, v)
	return nil
}

func (r *Registry) lookup(chain string) Verifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.verifiers[chain]; ok {
		return v
	}
	return Reject{}
}

// Verify checks a single proof against the chain's verifier.
func (r *Registry) Verify(chain string, p HeaderProof) (ok bool) {
	v := r.lookup(chain)
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return v.Verify(chain, p)
}

// VerifyAny reports whether at least one proof is accepted.
func (r *Registry) VerifyAny(chain string, proofs []HeaderProof) bool {
	for _, p := range proofs {
		if r.Verify(chain, p) {
			return true
		}
	}
	return false
}
