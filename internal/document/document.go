// Package document provides the path-addressed state tree shared by the
// change log, the pattern learner and persistence.
//
// A Document is a single rooted mapping addressed by dotted paths such as
// "game.chips.total". Writes create missing intermediate mappings, replace
// leaves wholesale and notify subscribers synchronously in call order.
// Prefixes can be reserved by an owner; plain writes that would touch a
// reserved subtree are rejected so that derived data stays consistent.
package document

import (
	"sort"
	"sync"
	"time"
)

// Change describes a single successful mutation.
type Change struct {
	Path    string
	Old     Value
	New     Value
	HadOld  bool
	Deleted bool
	At      time.Time
}

// Listener receives changes while the document's write lock is held.
// Listeners must treat the values as read-only and must not call back
// into the document.
type Listener func(Change)

// Option configures a Document.
type Option func(*Document)

// WithClock overrides the time source used to stamp changes.
func WithClock(now func() time.Time) Option {
	return func(d *Document) {
		d.now = now
	}
}

type subscription struct {
	id int
	fn Listener
}

// Document is a concurrency-safe tree of Values.
type Document struct {
	mu        sync.RWMutex
	root      Value
	reserved  map[string]*Namespace
	listeners []subscription
	nextID    int
	now       func() time.Time
}

// New creates an empty document.
func New(opts ...Option) *Document {
	d := &Document{
		root:     EmptyMapping(),
		reserved: make(map[string]*Namespace),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Get returns a deep copy of the value at path. Missing and malformed
// paths report false.
func (d *Document) Get(path string) (Value, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return Null(), false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.lookup(segs)
	if !ok {
		return Null(), false
	}
	return v.Clone(), true
}

// Set stores a deep copy of v at path.
func (d *Document) Set(path string, v Value) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	if err := checkStorable(path, v); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkWritable(path, segs, nil); err != nil {
		return err
	}
	d.store(path, segs, v.Clone())
	return nil
}

// SetAny converts x with FromAny and stores it at path.
func (d *Document) SetAny(path string, x any) error {
	v, err := FromAny(x)
	if err != nil {
		return invalidPath(path, err)
	}
	return d.Set(path, v)
}

// Update reads the value at path (or def when absent), applies fn and
// writes the result back atomically. fn must not call into the document.
func (d *Document) Update(path string, def Value, fn func(Value) (Value, error)) (Value, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return Null(), err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkWritable(path, segs, nil); err != nil {
		return Null(), err
	}
	return d.update(path, segs, def, fn)
}

// Append adds items to the sequence at path, creating it when absent.
func (d *Document) Append(path string, items ...Value) error {
	_, err := d.Update(path, SequenceValue(), func(cur Value) (Value, error) {
		return appendItems(path, cur, items)
	})
	return err
}

// Merge writes each field under the mapping at path. Fields are applied in
// key order and each emits its own Change. Only the listed keys are
// checked against reserved namespaces.
func (d *Document) Merge(path string, fields map[string]Value) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if _, err := ParsePath(k); err != nil || len(k) == 0 || containsSeparator(k) {
			return invalidPath(JoinPath(path, k), ErrInvalidSegment)
		}
		if err := checkStorable(JoinPath(path, k), fields[k]); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		child := append(append([]string(nil), segs...), k)
		if len(child) > MaxDepth {
			return invalidPath(JoinPath(path, k), ErrPathTooDeep)
		}
		if err := d.checkWritable(JoinPath(child...), child, nil); err != nil {
			return err
		}
	}
	for _, k := range keys {
		child := append(append([]string(nil), segs...), k)
		d.store(JoinPath(child...), child, fields[k].Clone())
	}
	return nil
}

// Delete removes the value at path. It reports whether anything was removed.
func (d *Document) Delete(path string) (bool, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkWritable(path, segs, nil); err != nil {
		return false, err
	}
	return d.remove(path, segs), nil
}

// Snapshot returns a deep copy of the whole tree.
func (d *Document) Snapshot() Value {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root.Clone()
}

// SnapshotWith returns a deep copy of the whole tree and runs fn while the
// tree is held still, so fn observes exactly the state being copied. fn must
// not call into the document.
func (d *Document) SnapshotWith(fn func()) Value {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn()
	return d.root.Clone()
}

// Replace swaps the whole tree for a copy of root without notifying
// listeners. It is used when loading persisted state.
func (d *Document) Replace(root Value) error {
	if root.IsNull() {
		root = EmptyMapping()
	}
	if !root.IsMapping() {
		return ErrNotMapping
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.root = root.Clone()
	return nil
}

// Subscribe registers a listener. The returned function removes it.
func (d *Document) Subscribe(fn Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, subscription{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.listeners {
			if s.id == id {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

// Reserve hands out exclusive write access to prefix. Plain writes at,
// beneath or above the prefix fail afterwards.
func (d *Document) Reserve(prefix string) (*Namespace, error) {
	segs, err := ParsePath(prefix)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := range d.reserved {
		if HasPathPrefix(prefix, p) || HasPathPrefix(p, prefix) {
			return nil, invalidPath(prefix, ErrAlreadyReserved)
		}
	}
	ns := &Namespace{doc: d, prefix: prefix, segs: segs}
	d.reserved[prefix] = ns
	return ns, nil
}

// Reserved lists the reserved prefixes in sorted order.
func (d *Document) Reserved() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.reserved))
	for p := range d.reserved {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// checkWritable rejects writes touching a namespace other than owner.
func (d *Document) checkWritable(path string, segs []string, owner *Namespace) error {
	for p, ns := range d.reserved {
		if ns == owner {
			continue
		}
		if HasPathPrefix(path, p) || HasPathPrefix(p, path) {
			return invalidPath(path, ErrReservedPath)
		}
	}
	return nil
}

func (d *Document) lookup(segs []string) (Value, bool) {
	cur := d.root
	for _, seg := range segs {
		if cur.kind != KindMapping {
			return Null(), false
		}
		next, ok := cur.m[seg]
		if !ok {
			return Null(), false
		}
		cur = next
	}
	return cur, true
}

// store writes v, creating or replacing intermediates, then notifies.
func (d *Document) store(path string, segs []string, v Value) {
	parent := d.root.m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := parent[seg]
		if !ok || next.kind != KindMapping {
			next = EmptyMapping()
			parent[seg] = next
		}
		parent = next.m
	}
	last := segs[len(segs)-1]
	old, hadOld := parent[last]
	parent[last] = v
	d.notify(Change{Path: path, Old: old, New: v, HadOld: hadOld, At: d.now()})
}

func (d *Document) update(path string, segs []string, def Value, fn func(Value) (Value, error)) (Value, error) {
	cur, ok := d.lookup(segs)
	if !ok {
		cur = def
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return Null(), err
	}
	if err := checkStorable(path, next); err != nil {
		return Null(), err
	}
	d.store(path, segs, next.Clone())
	return next, nil
}

func (d *Document) remove(path string, segs []string) bool {
	parentVal, ok := d.lookup(segs[:len(segs)-1])
	if !ok || parentVal.kind != KindMapping {
		return false
	}
	last := segs[len(segs)-1]
	old, ok := parentVal.m[last]
	if !ok {
		return false
	}
	delete(parentVal.m, last)
	d.notify(Change{Path: path, Old: old, HadOld: true, Deleted: true, At: d.now()})
	return true
}

func (d *Document) notify(c Change) {
	for _, s := range d.listeners {
		s.fn(c)
	}
}

func appendItems(path string, cur Value, items []Value) (Value, error) {
	if cur.IsNull() {
		cur = SequenceValue()
	}
	if !cur.IsSequence() {
		return Null(), invalidPath(path, ErrNotSequence)
	}
	seq := make([]Value, 0, len(cur.seq)+len(items))
	seq = append(seq, cur.seq...)
	for _, it := range items {
		seq = append(seq, it.Clone())
	}
	return Value{kind: KindSequence, seq: seq}, nil
}

func containsSeparator(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return true
		}
	}
	return false
}
