package selector

import "github.com/PureDarwin/dyldcache/pkg/diag"

// maxConsecutiveFailures is spec.md §4.2 step 4's "N (spec: 10)".
const maxConsecutiveFailures = 10

// maxPopSize bounds the doubling pop size of step 3 ("up to 1024").
const maxPopSize = 1024

type classState struct {
	attempts   []attempt
	attemptIdx int
	freezeLog  []freezeEntry
	placement  *ClassPlacement
}

// backtrackPlace runs spec.md §4.2's iterative backtracking search: try
// each class's attempts in order, backtrack with doubling pop size on
// failure, and fall back to a best-so-far snapshot (dropping the class at
// the snapshot boundary, cascading through its flattening hierarchy)
// after too many consecutive failures.
func backtrackPlace(ordered []*Class, selectors map[string]*Selector, d *diag.Diagnostic) ([]*ClassPlacement, map[string]bool) {
	states := make([]classState, len(ordered))
	for i, c := range ordered {
		states[i] = classState{attempts: enumerateAttempts(c, selectors)}
	}

	dropped := make(map[string]bool)
	consecFailures := 0
	popSize := 1
	bestI := 0
	i := 0

	for i < len(ordered) {
		if dropped[ordered[i].Name] {
			states[i].placement = &ClassPlacement{Class: ordered[i], Dropped: true, DropReason: "flattening hierarchy sibling dropped"}
			i++
			if i > bestI {
				bestI = i
			}
			continue
		}

		c := ordered[i]
		success := false
		for states[i].attemptIdx < len(states[i].attempts) {
			a := states[i].attempts[states[i].attemptIdx]
			states[i].attemptIdx++
			ok, log := tryAttempt(c, a, selectors)
			if ok {
				states[i].freezeLog = log
				states[i].placement = &ClassPlacement{Class: c, Shift: a.shift, NeededBits: a.neededBits}
				success = true
				break
			}
		}

		if success {
			i++
			if i > bestI {
				bestI = i
				consecFailures = 0
				popSize = 1
			}
			continue
		}

		// This class exhausted every attempt; backtrack.
		states[i] = classState{attempts: states[i].attempts}
		consecFailures++

		if consecFailures >= maxConsecutiveFailures {
			// Reset to the best-so-far snapshot and permanently drop the
			// class sitting at that boundary.
			for i > bestI {
				i--
				undoFreeze(states[i].freezeLog)
				states[i] = classState{attempts: states[i].attempts}
			}
			victim := ordered[i]
			states[i].placement = &ClassPlacement{Class: victim, Dropped: true, DropReason: "exceeded consecutive backtracking failure limit"}
			d.Warn("", "selector placement: dropped class %q after repeated placement failures", victim.Name)
			dropFlatteningHierarchy(victim, ordered, dropped)
			i++
			bestI = i
			consecFailures = 0
			popSize = 1
			continue
		}

		pop := popSize
		if pop > i {
			pop = i
		}
		for p := 0; p < pop; p++ {
			i--
			undoFreeze(states[i].freezeLog)
			states[i].freezeLog = nil
			states[i].placement = nil
		}
		if popSize < maxPopSize {
			popSize *= 2
		}
	}

	placements := make([]*ClassPlacement, 0, len(ordered))
	for i := range states {
		placements = append(placements, states[i].placement)
	}
	return placements, dropped
}

// dropFlatteningHierarchy marks every class sharing victim's flattening
// root as dropped, per spec.md §4.2 "Classes dropped this way cascade".
func dropFlatteningHierarchy(victim *Class, all []*Class, dropped map[string]bool) {
	dropped[victim.Name] = true
	if victim.FlatteningRoot == "" {
		return
	}
	for _, c := range all {
		if c.FlatteningRoot == victim.FlatteningRoot {
			dropped[c.Name] = true
		}
	}
}
