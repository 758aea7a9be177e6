package blendfile

// List walks the doubly linked list stored in a ListBase field and
// returns its member blocks in order. path names the ListBase field
// itself; the walk dereferences its "first" pointer and follows each
// member's "next".
//
// A dangling link ends the walk: the members collected so far are
// returned together with the ErrUnresolvedPointer that stopped it, so
// callers can use the partial list and still see the defect.
func (v *View) List(path ...string) ([]*Block, error) {
	first, err := v.Deref(append(path, "first")...)
	if err != nil || first == nil {
		return nil, err
	}
	return Chain(first, "next")
}

// Chain follows a linked list from its first block, reading the next
// pointer at nextPath in each member. List members that embed their
// link struct, such as modifiers, chain through paths like
// ("modifier", "next").
//
// Cycles from corrupt files end the walk silently; the list up to the
// repeated block is returned.
func Chain(first *Block, nextPath ...string) ([]*Block, error) {
	var out []*Block
	seen := make(map[uint64]struct{})
	for b := first; b != nil; {
		if _, dup := seen[b.Addr]; dup {
			return out, nil
		}
		seen[b.Addr] = struct{}{}
		out = append(out, b)

		v, err := b.View()
		if err != nil {
			return out, err
		}
		next, err := v.Deref(nextPath...)
		if err != nil {
			return out, err
		}
		b = next
	}
	return out, nil
}
