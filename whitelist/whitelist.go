// Package whitelist holds the client identities that bypass every check.
package whitelist

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
)

var ErrInvalidEntry = errors.New("whitelist: invalid entry")

// Whitelist matches exact identities and CIDR ranges. Safe for concurrent
// use; reads take a shared lock only.
type Whitelist struct {
	mu       sync.RWMutex
	exact    map[string]struct{}
	prefixes map[netip.Prefix]struct{}
}

func New(entries []string) (*Whitelist, error) {
	w := &Whitelist{
		exact:    make(map[string]struct{}),
		prefixes: make(map[netip.Prefix]struct{}),
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Add accepts an IP, a CIDR range, or any other non-empty identity which
// is then matched exactly.
func (w *Whitelist) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEntry)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidEntry, entry, err)
		}
		w.prefixes[p.Masked()] = struct{}{}
		return nil
	}
	if addr, err := netip.ParseAddr(entry); err == nil {
		entry = addr.Unmap().String()
	}
	w.exact[entry] = struct{}{}
	return nil
}

// Remove deletes an entry added with the same spelling. It reports whether
// anything was removed.
func (w *Whitelist) Remove(entry string) bool {
	entry = strings.TrimSpace(entry)

	w.mu.Lock()
	defer w.mu.Unlock()

	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return false
		}
		p = p.Masked()
		if _, ok := w.prefixes[p]; ok {
			delete(w.prefixes, p)
			return true
		}
		return false
	}
	if addr, err := netip.ParseAddr(entry); err == nil {
		entry = addr.Unmap().String()
	}
	if _, ok := w.exact[entry]; ok {
		delete(w.exact, entry)
		return true
	}
	return false
}

// Contains reports whether clientID is whitelisted.
func (w *Whitelist) Contains(clientID string) bool {
	addr, err := netip.ParseAddr(clientID)
	if err == nil {
		addr = addr.Unmap()
		clientID = addr.String()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if _, ok := w.exact[clientID]; ok {
		return true
	}
	if err != nil {
		return false
	}
	for p := range w.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Entries returns all entries, sorted.
func (w *Whitelist) Entries() []string {
	w.mu.RLock()
	out := make([]string, 0, len(w.exact)+len(w.prefixes))
	for e := range w.exact {
		out = append(out, e)
	}
	for p := range w.prefixes {
		out = append(out, p.String())
	}
	w.mu.RUnlock()
	sort.Strings(out)
	return out
}
