package callsign

// movementSequence is the canonical convoy order. The next movement sign is
// always the one following the current position in this slice.
var movementSequence = []Key{FirstCourse, Chapman, Cocktail, CocktailShaken, Dessert}

// Terminal reports whether a journey holding this call sign accepts no
// ordinary transitions. Broken Arrow stays terminal until an external
// incident-resolution authority moves the journey out of it.
func Terminal(k Key) bool {
	switch k {
	case BrokenArrow, Completed, Cancelled:
		return true
	}
	return false
}

// Annotatable reports whether a time annotation (ETA/ETD) may be attached to
// a journey currently holding this call sign. Annotations never change the
// current status, so any non-terminal state qualifies, including planned.
func Annotatable(k Key) bool {
	return !Terminal(k)
}

// LegalNextStates returns the set of call signs a journey may transition to
// from the given current sign. It is total over the registry plus None and
// never panics; unknown or annotation keys yield an empty set.
//
// Incident signs are reachable from any non-terminal movement position: a
// driver reporting Broken Arrow is never blocked by where the convoy sits in
// the sequence. Completed is absent on purpose; it is only reachable through
// the privileged completion operation.
func LegalNextStates(current Key) map[Key]bool {
	next := make(map[Key]bool)
	if Terminal(current) {
		return next
	}

	switch {
	case current == None, current == ReOrder:
		// Planned journeys, and journeys being re-run, may enter the
		// sequence at any movement sign.
		for _, k := range movementSequence {
			next[k] = true
		}
	default:
		if !isMovement(current) {
			// Time annotations and unknown keys never hold
			// currentStatus, so nothing follows them.
			return next
		}
		for i, k := range movementSequence {
			if k != current {
				continue
			}
			if i+1 < len(movementSequence) {
				next[movementSequence[i+1]] = true
			}
			break
		}
	}

	if current != ReOrder {
		next[ReOrder] = true
	}
	next[BrokenArrow] = true
	next[Cancelled] = true
	return next
}

func isMovement(k Key) bool {
	cs, ok := byKey[k]
	return ok && cs.Category == CategoryMovement
}
