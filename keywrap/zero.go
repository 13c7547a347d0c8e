package keywrap

// Zero overwrites b in place. Key material is held only as long as one
// wrap or unwrap call needs it; callers zero buffers immediately after the
// decrypt-and-discard use.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
