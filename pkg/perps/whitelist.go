package perps

import "sync"

// MemoryWhitelist is an in-memory address whitelist. A whitelist with no
// entries is inactive and gates nothing.
type MemoryWhitelist struct {
	mu     sync.RWMutex
	addrs  map[string]bool
	active bool
}

// NewMemoryWhitelist returns an inactive whitelist.
func NewMemoryWhitelist() *MemoryWhitelist {
	return &MemoryWhitelist{addrs: make(map[string]bool)}
}

// Add whitelists an address and activates the whitelist.
func (w *MemoryWhitelist) Add(addr string) {
	w.mu.Lock()
	w.addrs[addr] = true
	w.active = true
	w.mu.Unlock()
}

// Remove drops an address.
func (w *MemoryWhitelist) Remove(addr string) {
	w.mu.Lock()
	delete(w.addrs, addr)
	w.mu.Unlock()
}

// SetActive toggles enforcement without touching the address set.
func (w *MemoryWhitelist) SetActive(active bool) {
	w.mu.Lock()
	w.active = active
	w.mu.Unlock()
}

// IsWhitelisted reports membership.
func (w *MemoryWhitelist) IsWhitelisted(addr string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.addrs[addr]
}

// IsWhitelistActive reports whether gating is on.
func (w *MemoryWhitelist) IsWhitelistActive() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}
