package plexus

import (
	"sort"
	"sync"
)

// KeyMap is a concurrency-safe string-keyed map used for the per-message
// sourceMap, channelMap, connectorMap, and responseMap, and for the
// process-wide maps. Writes are atomic per key.
type KeyMap struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewKeyMap returns an empty KeyMap.
func NewKeyMap() *KeyMap {
	return &KeyMap{m: make(map[string]any)}
}

// NewKeyMapFrom returns a KeyMap seeded with a copy of src.
func NewKeyMapFrom(src map[string]any) *KeyMap {
	m := make(map[string]any, len(src))
	for k, v := range src {
		m[k] = v
	}
	return &KeyMap{m: m}
}

// Get returns the value stored under key and whether it was present.
func (k *KeyMap) Get(key string) (any, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.m[key]
	return v, ok
}

// GetString returns the value under key as a string, or "" if absent or not
// a string.
func (k *KeyMap) GetString(key string) string {
	v, _ := k.Get(key)
	s, _ := v.(string)
	return s
}

// Put stores value under key. It returns the map so scripts can chain
// calls; the result is deliberately never a string.
func (k *KeyMap) Put(key string, value any) *KeyMap {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return k
}

// Delete removes key.
func (k *KeyMap) Delete(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
}

// Len returns the number of entries.
func (k *KeyMap) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.m)
}

// Keys returns the keys in sorted order.
func (k *KeyMap) Keys() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := make([]string, 0, len(k.m))
	for key := range k.m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the underlying map.
func (k *KeyMap) Snapshot() map[string]any {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]any, len(k.m))
	for key, v := range k.m {
		out[key] = v
	}
	return out
}

// Copy returns a new KeyMap holding a shallow copy of the entries. Used when
// forking a destination chain: the fork sees the values present at fork time
// but later writes do not cross chains.
func (k *KeyMap) Copy() *KeyMap {
	return &KeyMap{m: k.Snapshot()}
}

// ReplaceAll swaps the full contents with a copy of src.
func (k *KeyMap) ReplaceAll(src map[string]any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m = make(map[string]any, len(src))
	for key, v := range src {
		k.m[key] = v
	}
}

// --- Destination set ---

// DestinationSet controls which destinations are eligible to run during the
// current fan-out. Transformer scripts remove destinations by name or
// metaDataId; removals affect only the current dispatch.
type DestinationSet struct {
	mu      sync.Mutex
	byName  map[string]int
	removed map[int]bool
}

// NewDestinationSet builds a set over the channel's destination name ->
// metaDataId mapping.
func NewDestinationSet(byName map[string]int) *DestinationSet {
	names := make(map[string]int, len(byName))
	for k, v := range byName {
		names[k] = v
	}
	return &DestinationSet{byName: names, removed: make(map[int]bool)}
}

// Remove marks the named destination as ineligible for this fan-out.
// Returns false if the name is unknown.
func (d *DestinationSet) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byName[name]
	if !ok {
		return false
	}
	d.removed[id] = true
	return true
}

// RemoveID marks the destination with the given metaDataId as ineligible.
func (d *DestinationSet) RemoveID(metaDataID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed[metaDataID] = true
}

// Add restores a previously removed destination.
func (d *DestinationSet) Add(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byName[name]
	if !ok {
		return false
	}
	delete(d.removed, id)
	return true
}

// Enabled reports whether the destination with the given metaDataId should
// run in this fan-out.
func (d *DestinationSet) Enabled(metaDataID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.removed[metaDataID]
}

// --- Process-wide maps ---

// GlobalMaps holds the process-wide script maps: globalMap, configurationMap,
// and per-channel globalChannelMaps. It is a singleton with explicit reset
// for tests.
type GlobalMaps struct {
	mu            sync.Mutex
	global        *KeyMap
	configuration *KeyMap
	channels      map[string]*KeyMap
}

var globalMaps = newGlobalMaps()

func newGlobalMaps() *GlobalMaps {
	return &GlobalMaps{
		global:        NewKeyMap(),
		configuration: NewKeyMap(),
		channels:      make(map[string]*KeyMap),
	}
}

// Globals returns the process-wide map manager.
func Globals() *GlobalMaps { return globalMaps }

// Global returns the process-wide globalMap.
func (g *GlobalMaps) Global() *KeyMap { return g.global }

// Configuration returns the process-wide configurationMap.
func (g *GlobalMaps) Configuration() *KeyMap { return g.configuration }

// Channel returns the globalChannelMap for channelID, creating it on first
// use.
func (g *GlobalMaps) Channel(channelID string) *KeyMap {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.channels[channelID]
	if !ok {
		m = NewKeyMap()
		g.channels[channelID] = m
	}
	return m
}

// Reset clears all process-wide maps. Intended for tests.
func (g *GlobalMaps) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.global = NewKeyMap()
	g.configuration = NewKeyMap()
	g.channels = make(map[string]*KeyMap)
}
