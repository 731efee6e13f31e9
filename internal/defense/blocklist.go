package defense

import (
	"errors"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/inercia/relay/internal/fileutil"
)

// BlockEntry is one blocked address.
type BlockEntry struct {
	IP           string    `json:"ip"`
	Reason       string    `json:"reason"`
	BlockedAt    time.Time `json:"blocked_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RequestCount int       `json:"request_count"`
}

// Blocklist holds blocked addresses with expiry. Whitelisted addresses are
// never added.
type Blocklist struct {
	whitelist []netip.Prefix

	mu      sync.RWMutex
	entries map[string]BlockEntry
}

// NewBlocklist creates a blocklist. Whitelist items are CIDR prefixes or
// single addresses; invalid items are ignored.
func NewBlocklist(whitelist []string) *Blocklist {
	b := &Blocklist{entries: make(map[string]BlockEntry)}
	for _, item := range whitelist {
		if p, err := netip.ParsePrefix(item); err == nil {
			b.whitelist = append(b.whitelist, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(item); err == nil {
			b.whitelist = append(b.whitelist, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return b
}

// IsWhitelisted reports whether ip falls in a whitelisted prefix.
func (b *Blocklist) IsWhitelisted(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range b.whitelist {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Contains reports whether ip is blocked at now.
func (b *Blocklist) Contains(ip string, now time.Time) bool {
	b.mu.RLock()
	e, ok := b.entries[ip]
	b.mu.RUnlock()
	return ok && now.Before(e.ExpiresAt)
}

// Reason returns why ip is blocked, or "" when it is not.
func (b *Blocklist) Reason(ip string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[ip].Reason
}

// Add blocks an address unless it is whitelisted.
func (b *Blocklist) Add(e BlockEntry) {
	if b.IsWhitelisted(e.IP) {
		return
	}
	b.mu.Lock()
	b.entries[e.IP] = e
	b.mu.Unlock()
}

// Remove unblocks an address.
func (b *Blocklist) Remove(ip string) {
	b.mu.Lock()
	delete(b.entries, ip)
	b.mu.Unlock()
}

// RemoveExpired drops the entries expired at now and returns how many.
func (b *Blocklist) RemoveExpired(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for ip, e := range b.entries {
		if !now.Before(e.ExpiresAt) {
			delete(b.entries, ip)
			removed++
		}
	}
	return removed
}

// Entries returns the entries sorted by address.
func (b *Blocklist) Entries() []BlockEntry {
	b.mu.RLock()
	out := make([]BlockEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

func (b *Blocklist) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Load merges the unexpired entries saved at path. A missing file is not an
// error.
func (b *Blocklist) Load(path string) error {
	var entries []BlockEntry
	if err := fileutil.ReadJSON(path, &entries); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	now := time.Now()
	for _, e := range entries {
		if now.Before(e.ExpiresAt) {
			b.Add(e)
		}
	}
	return nil
}

// Save writes the entries to path atomically.
func (b *Blocklist) Save(path string) error {
	return fileutil.WriteJSONAtomic(path, b.Entries(), 0o600)
}
