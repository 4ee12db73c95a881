package value

// Table is an open-addressed hash table: linear probing, tombstone
// deletion, grow at 75% load factor.
// Keys are always interned *ObjString pointers; hashing uses the
// string's precomputed hash and equality is pointer identity, so
// lookups never compare byte content — that work was already done once
// at intern time.
type Table struct {
	entries []entry
	count   int // live entries + tombstones
	live    int // live entries only
}

type entry struct {
	key   *ObjString // nil means empty; tombstone is key==tombstoneKey
	value Value
}

// tombstoneKey marks a deleted slot so probing can continue past it.
var tombstoneKey = &ObjString{}

const initialTableCapacity = 8
const tableMaxLoad = 0.75

func NewTable() *Table {
	return &Table{}
}

// Count returns the number of live (non-deleted) entries.
func (t *Table) Count() int { return t.live }

func (t *Table) Get(key *ObjString) (Value, bool) {
	if len(t.entries) == 0 {
		return Value{}, false
	}
	e := t.findEntry(t.entries, key)
	if e.key == nil || e.key == tombstoneKey {
		return Value{}, false
	}
	return e.value, true
}

// Set stores key=value, returning true if this created a new entry.
func (t *Table) Set(key *ObjString, v Value) bool {
	if float64(t.count+1) > float64(len(t.entries))*tableMaxLoad {
		t.grow()
	}
	e := t.findEntry(t.entries, key)
	wasEmpty := e.key == nil
	isNew := wasEmpty || e.key == tombstoneKey
	if wasEmpty {
		// A reused tombstone slot was already counted towards t.count
		// when it was first inserted; only a genuinely empty slot
		// grows it.
		t.count++
	}
	if isNew {
		t.live++
	}
	e.key = key
	e.value = v
	return isNew
}

// Delete removes key, leaving a tombstone so later probes still find
// entries that were inserted after a collision with this slot.
func (t *Table) Delete(key *ObjString) bool {
	if len(t.entries) == 0 {
		return false
	}
	e := t.findEntry(t.entries, key)
	if e.key == nil || e.key == tombstoneKey {
		return false
	}
	e.key = tombstoneKey
	e.value = BoolValue(true) // tombstone sentinel value, never read
	t.live--
	return true
}

// FindInterned looks up a string by raw byte content and hash without
// allocating an ObjString, used by the intern table to detect an
// existing string before allocating a new one.
func (t *Table) FindInterned(chars string, hash uint32) *ObjString {
	if len(t.entries) == 0 {
		return nil
	}
	mask := uint32(len(t.entries) - 1)
	idx := hash & mask
	for {
		e := &t.entries[idx]
		if e.key == nil {
			return nil
		}
		if e.key != tombstoneKey && e.key.Hash == hash && e.key.Chars == chars {
			return e.key
		}
		idx = (idx + 1) & mask
	}
}

// Each calls fn for every live entry. Iteration order is unspecified.
func (t *Table) Each(fn func(key *ObjString, v Value)) {
	for _, e := range t.entries {
		if e.key != nil && e.key != tombstoneKey {
			fn(e.key, e.value)
		}
	}
}

func (t *Table) findEntry(entries []entry, key *ObjString) *entry {
	mask := uint32(len(entries) - 1)
	idx := key.Hash & mask
	var tombstone *entry
	for {
		e := &entries[idx]
		switch {
		case e.key == nil:
			if tombstone != nil {
				return tombstone
			}
			return e
		case e.key == tombstoneKey:
			if tombstone == nil {
				tombstone = e
			}
		case e.key == key:
			return e
		}
		idx = (idx + 1) & mask
	}
}

func (t *Table) grow() {
	newCap := initialTableCapacity
	if len(t.entries) > 0 {
		newCap = len(t.entries) * 2
	}
	newEntries := make([]entry, newCap)
	t.count = 0
	for _, e := range t.entries {
		if e.key == nil || e.key == tombstoneKey {
			continue
		}
		dst := t.findEntry(newEntries, e.key)
		dst.key = e.key
		dst.value = e.value
		t.count++
	}
	t.entries = newEntries
}
