package features

// perceiveAromaticity turns six-membered carbon and nitrogen rings written
// with alternating single and double bonds into aromatic rings, so that a
// Kekulé SMILES and its lowercase form give the same molecule. Fused rings are
// resolved by repeating until no ring changes. Hydrogen counts must already be
// filled in; they do not change.
func (m *Molecule) perceiveAromaticity() {
	rings := m.sixRings()
	if len(rings) == 0 {
		return
	}

	for changed := true; changed; {
		changed = false
		for _, ring := range rings {
			bonds, ok := m.aromaticCandidate(ring)
			if !ok {
				continue
			}
			for _, a := range ring {
				if !m.Atoms[a].Aromatic {
					m.Atoms[a].Aromatic = true
					changed = true
				}
			}
			for _, b := range bonds {
				if m.Bonds[b].Order != BondAromatic {
					m.Bonds[b].Order = BondAromatic
					changed = true
				}
			}
		}
	}
}

// aromaticCandidate reports whether every atom of ring brings exactly one
// pi bond to it, and returns the ring's bonds.
func (m *Molecule) aromaticCandidate(ring []int) ([]int, bool) {
	bonds := make([]int, len(ring))
	inRing := map[int]bool{}
	for i, a := range ring {
		b := m.bondBetween(a, ring[(i+1)%len(ring)])
		if b < 0 {
			return nil, false
		}
		switch m.Bonds[b].Order {
		case BondSingle, BondDouble, BondAromatic:
		default:
			return nil, false
		}
		bonds[i] = b
		inRing[b] = true
	}

	for _, a := range ring {
		atom := m.Atoms[a]
		if atom.Element != "C" && atom.Element != "N" {
			return nil, false
		}
		doubles, doublesInRing := 0, 0
		for _, nb := range m.adjacency[a] {
			switch m.Bonds[nb.bond].Order {
			case BondDouble:
				doubles++
				if inRing[nb.bond] {
					doublesInRing++
				}
			case BondTriple, BondQuadruple:
				return nil, false
			}
		}
		if atom.Aromatic {
			if doubles > 0 {
				return nil, false
			}
			continue
		}
		if doubles != 1 || doublesInRing != 1 {
			return nil, false
		}
	}
	return bonds, true
}

func (m *Molecule) bondBetween(a, b int) int {
	for _, n := range m.adjacency[a] {
		if n.atom == b {
			return n.bond
		}
	}
	return -1
}

// sixRings lists every simple cycle of six ring atoms, each once, in walk
// order starting from its lowest atom index.
func (m *Molecule) sixRings() [][]int {
	var ret [][]int
	path := make([]int, 0, 6)
	onPath := make([]bool, len(m.Atoms))

	var walk func(start, at int)
	walk = func(start, at int) {
		for _, nb := range m.adjacency[at] {
			if !m.Bonds[nb.bond].InRing {
				continue
			}
			if nb.atom == start && len(path) == 6 {
				// each cycle is found in both directions, keep one
				if path[1] < path[5] {
					ret = append(ret, append([]int(nil), path...))
				}
				continue
			}
			if len(path) == 6 || nb.atom <= start || onPath[nb.atom] {
				continue
			}
			path = append(path, nb.atom)
			onPath[nb.atom] = true
			walk(start, nb.atom)
			onPath[nb.atom] = false
			path = path[:len(path)-1]
		}
	}

	for s := range m.Atoms {
		if !m.Atoms[s].InRing {
			continue
		}
		path = append(path[:0], s)
		onPath[s] = true
		walk(s, s)
		onPath[s] = false
	}
	return ret
}
