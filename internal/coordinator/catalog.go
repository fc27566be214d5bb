package coordinator

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownLock is returned when a name matches no catalogued lock.
var ErrUnknownLock = errors.New("unknown lock")

// LockEntry describes a named lock and its credentials. Secrets are never
// serialized to JSON.
type LockEntry struct {
	Name            string `yaml:"name" json:"name"`
	MAC             string `yaml:"mac" json:"mac"`
	Room            string `yaml:"room" json:"room,omitempty"`
	AESKey          string `yaml:"aes_key" json:"-"`
	AuthCode        string `yaml:"auth_code" json:"-"`
	KeyGroupID      uint32 `yaml:"key_group_id" json:"key_group_id"`
	ProtocolVersion uint8  `yaml:"protocol_version" json:"protocol_version"`
}

// Request returns an UnlockRequest carrying the entry's credentials.
func (e LockEntry) Request() UnlockRequest {
	return UnlockRequest{
		Target:          e.MAC,
		Name:            e.Name,
		AESKey:          e.AESKey,
		AuthCode:        e.AuthCode,
		KeyGroupID:      e.KeyGroupID,
		ProtocolVersion: e.ProtocolVersion,
	}
}

// Catalog holds named locks keyed by name and normalized MAC.
// Read-only after construction.
type Catalog struct {
	byName map[string]*LockEntry
	byMAC  map[string]*LockEntry
}

// NewCatalog builds a catalog from entries. Names and MACs must be unique.
func NewCatalog(entries ...LockEntry) (*Catalog, error) {
	c := &Catalog{
		byName: make(map[string]*LockEntry, len(entries)),
		byMAC:  make(map[string]*LockEntry, len(entries)),
	}
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("locks[%d]: name is required", i)
		}
		mac, err := NormalizeIdentifier(e.MAC)
		if err != nil {
			return nil, fmt.Errorf("locks[%d] %q: %w", i, e.Name, err)
		}
		e.MAC = mac
		if _, dup := c.byName[e.Name]; dup {
			return nil, fmt.Errorf("locks[%d]: duplicate name %q", i, e.Name)
		}
		if _, dup := c.byMAC[mac]; dup {
			return nil, fmt.Errorf("locks[%d] %q: duplicate mac %s", i, e.Name, mac)
		}
		cp := e
		c.byName[e.Name] = &cp
		c.byMAC[mac] = &cp
	}
	return c, nil
}

// Lookup finds an entry by name, then by MAC in any notation.
func (c *Catalog) Lookup(target string) (LockEntry, bool) {
	if e, ok := c.byName[target]; ok {
		return *e, true
	}
	if mac, err := NormalizeIdentifier(target); err == nil {
		if e, ok := c.byMAC[mac]; ok {
			return *e, true
		}
	}
	return LockEntry{}, false
}

// List returns all entries sorted by name.
func (c *Catalog) List() []LockEntry {
	out := make([]LockEntry, 0, len(c.byName))
	for _, e := range c.byName {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.byName)
}
