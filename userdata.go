package revent

// UserData is a single-owner cell around an opaque, caller-supplied value.
// Most callbacks only borrow it (Peek); EndCb consumes it (Take), so the
// caller can reclaim ownership of the payload exactly once, at teardown.
type UserData struct {
	v interface{}
}

// NewUserData boxes v in a fresh cell. v may be nil.
func NewUserData(v interface{}) *UserData {
	return &UserData{v: v}
}

// Peek borrows the boxed value without transferring ownership.
func (d *UserData) Peek() interface{} {
	if d == nil {
		return nil
	}
	return d.v
}

// Take removes and returns the boxed value, leaving the cell empty. Safe
// to call at most meaningfully once; subsequent calls return nil.
func (d *UserData) Take() interface{} {
	if d == nil {
		return nil
	}
	v := d.v
	d.v = nil
	return v
}
