package ondemand

// invalidator makes sure only one build cycle runs at a time. Overlapping
// cycles change content hashes mid-flight and force clients into full
// reloads, so requests arriving during a cycle collapse into one follow-up.
//
// rebuildRequested is only ever true while building is true.
type invalidator struct {
	building         bool
	rebuildRequested bool
}

// invalidate reports whether the caller must trigger the engine now. While a
// cycle is running it records a follow-up instead.
func (i *invalidator) invalidate() bool {
	if i.building {
		i.rebuildRequested = true
		return false
	}
	i.building = true
	return true
}

// startBuilding marks a cycle as running, including cycles the engine started
// on its own (e.g. after a source edit).
func (i *invalidator) startBuilding() {
	i.building = true
}

// doneBuilding finishes a cycle. It reports whether a collapsed follow-up
// must be triggered now, in which case building stays true.
func (i *invalidator) doneBuilding() bool {
	if i.rebuildRequested {
		i.rebuildRequested = false
		return true
	}
	i.building = false
	return false
}
