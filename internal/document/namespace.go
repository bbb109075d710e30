package document

// Namespace is the exclusive write handle for a reserved prefix.
// Writes through it emit the same change notifications as plain writes.
type Namespace struct {
	doc    *Document
	prefix string
	segs   []string
}

// Prefix returns the reserved prefix.
func (n *Namespace) Prefix() string { return n.prefix }

// Path joins the prefix with escaped-or-valid segments below it.
func (n *Namespace) Path(segs ...string) string {
	return JoinPath(append([]string{n.prefix}, segs...)...)
}

// Get reads a path inside the namespace.
func (n *Namespace) Get(path string) (Value, bool) {
	return n.doc.Get(path)
}

// Set writes a path at or beneath the prefix.
func (n *Namespace) Set(path string, v Value) error {
	segs, err := n.parse(path)
	if err != nil {
		return err
	}
	if err := checkStorable(path, v); err != nil {
		return err
	}
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	n.doc.store(path, segs, v.Clone())
	return nil
}

// Update is the namespace counterpart of Document.Update.
func (n *Namespace) Update(path string, def Value, fn func(Value) (Value, error)) (Value, error) {
	segs, err := n.parse(path)
	if err != nil {
		return Null(), err
	}
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return n.doc.update(path, segs, def, fn)
}

// Append is the namespace counterpart of Document.Append.
func (n *Namespace) Append(path string, items ...Value) error {
	_, err := n.Update(path, SequenceValue(), func(cur Value) (Value, error) {
		return appendItems(path, cur, items)
	})
	return err
}

// Delete removes a path at or beneath the prefix.
func (n *Namespace) Delete(path string) (bool, error) {
	segs, err := n.parse(path)
	if err != nil {
		return false, err
	}
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return n.doc.remove(path, segs), nil
}

func (n *Namespace) parse(path string) ([]string, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if !HasPathPrefix(path, n.prefix) {
		return nil, invalidPath(path, ErrOutsideReserved)
	}
	return segs, nil
}
