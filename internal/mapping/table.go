// Package mapping holds the in-memory table of live port mappings a
// gateway maintains: one row per (internal host, internal port, protocol),
// indexed for both exact lookup and PCP-nonce lookup.
package mapping

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

// NonceSize is the length in bytes of a PCP mapping nonce (RFC 6887 §8.1).
const NonceSize = 12

// Mapping is one row of the table. ExternalHost, ExternalPort, ExpiresAt,
// and Lifetime are populated only after a successful response; Nonce is
// assigned at creation and never changes.
type Mapping struct {
	Protocol     string // original casing as supplied by the caller
	InternalHost string
	InternalPort int
	ExternalHost string
	ExternalPort int
	Nonce        [NonceSize]byte
	AutoRefresh  bool
	ExpiresAt    time.Time
	Lifetime     time.Duration
}

// key identifies a row by its unique triple; protocol is folded to upper
// case so lookups are case-insensitive while Mapping.Protocol keeps the
// caller's original casing for round-trip observation.
type key struct {
	host     string
	port     int
	protocol string
}

func newKey(host string, port int, protocol string) key {
	return key{host: host, port: port, protocol: strings.ToUpper(protocol)}
}

// Table is safe for concurrent use, though the design assumes a single
// owning gateway mutates it from one logical execution context and other
// callers only read via GetAll.
type Table struct {
	mu   sync.RWMutex
	rows map[key]*Mapping
}

func New() *Table {
	return &Table{rows: make(map[key]*Mapping)}
}

// Get returns the row for (host, port, proto), or nil.
func (t *Table) Get(host string, port int, protocol string) *Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[newKey(host, port, protocol)]
}

// GetByNonce returns the row whose nonce is byte-equal to nonce, or nil.
func (t *Table) GetByNonce(nonce [NonceSize]byte) *Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.rows {
		if m.Nonce == nonce {
			return m
		}
	}
	return nil
}

// GetOrCreate returns the existing row for (host, port, proto), or creates
// one with a freshly-generated random nonce. The second return value
// reports whether the row was newly created.
func (t *Table) GetOrCreate(host string, port int, protocol string, autoRefresh bool) (*Mapping, bool, error) {
	k := newKey(host, port, protocol)

	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.rows[k]; ok {
		return m, false, nil
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, false, err
	}
	m := &Mapping{
		Protocol:     protocol,
		InternalHost: host,
		InternalPort: port,
		Nonce:        nonce,
		AutoRefresh:  autoRefresh,
	}
	t.rows[k] = m
	return m, true, nil
}

// Update writes the external fields on every row whose (internalPort,
// case-folded protocol, nonce) match. It returns whether at least one row
// matched; the table is unchanged otherwise.
func (t *Table) Update(internalPort int, protocol string, nonce [NonceSize]byte, externalHost string, externalPort int, expiresAt time.Time, lifetime time.Duration) bool {
	folded := strings.ToUpper(protocol)

	t.mu.Lock()
	defer t.mu.Unlock()

	matched := false
	for _, m := range t.rows {
		if m.InternalPort != internalPort || m.Nonce != nonce {
			continue
		}
		if strings.ToUpper(m.Protocol) != folded {
			continue
		}
		m.ExternalHost = externalHost
		m.ExternalPort = externalPort
		m.ExpiresAt = expiresAt
		m.Lifetime = lifetime
		matched = true
	}
	return matched
}

// Delete removes the row for (host, port, proto), if any.
func (t *Table) Delete(host string, port int, protocol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, newKey(host, port, protocol))
}

// DeleteAll empties the table, typically during gateway shutdown.
func (t *Table) DeleteAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = make(map[key]*Mapping)
}

// GetExpiring returns every auto-refreshing row whose remaining lifetime
// has fallen below half its granted lifetime (RFC 6887 §11.2.1).
func (t *Table) GetExpiring(now time.Time) []*Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var expiring []*Mapping
	for _, m := range t.rows {
		if !m.AutoRefresh || m.ExpiresAt.IsZero() || m.Lifetime <= 0 {
			continue
		}
		remaining := m.ExpiresAt.Sub(now)
		if remaining < m.Lifetime/2 {
			expiring = append(expiring, m)
		}
	}
	return expiring
}

// GetAll returns a snapshot copy of every row, safe to range over without
// holding the table's lock.
func (t *Table) GetAll() []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := make([]Mapping, 0, len(t.rows))
	for _, m := range t.rows {
		all = append(all, *m)
	}
	return all
}
