package features

// BondOrder is the SMILES bond type. Aromatic bonds are kept distinct from
// single and double bonds so that environments hash differently.
type BondOrder uint8

const (
	BondSingle BondOrder = iota + 1
	BondDouble
	BondTriple
	BondQuadruple
	BondAromatic
)

// valenceContribution is the number of valence electrons a bond uses on each
// end. Aromatic bonds count as one; the aromatic atom itself adds the extra one
// in implicitHydrogens.
func (o BondOrder) valenceContribution() int {
	switch o {
	case BondDouble:
		return 2
	case BondTriple:
		return 3
	case BondQuadruple:
		return 4
	case BondSingle, BondAromatic:
		return 1
	}
	return 1
}

type Atom struct {
	Element  string
	Aromatic bool
	Charge   int
	Isotope  int
	// HCount is the explicit hydrogen count of a bracket atom. For organic subset
	// atoms it is filled with the implicit count once the graph is complete.
	HCount  int
	Bracket bool
	InRing  bool
}

type Bond struct {
	From, To int
	Order    BondOrder
	InRing   bool
}

type neighbor struct {
	atom int
	bond int
}

// Molecule is the heavy-atom graph parsed from one SMILES string.
type Molecule struct {
	Atoms []Atom
	Bonds []Bond

	adjacency [][]neighbor
}

func (m *Molecule) addAtom(a Atom) int {
	m.Atoms = append(m.Atoms, a)
	m.adjacency = append(m.adjacency, nil)
	return len(m.Atoms) - 1
}

func (m *Molecule) addBond(from, to int, order BondOrder) {
	idx := len(m.Bonds)
	m.Bonds = append(m.Bonds, Bond{From: from, To: to, Order: order})
	m.adjacency[from] = append(m.adjacency[from], neighbor{atom: to, bond: idx})
	m.adjacency[to] = append(m.adjacency[to], neighbor{atom: from, bond: idx})
}

func (m *Molecule) bonded(a, b int) bool {
	for _, n := range m.adjacency[a] {
		if n.atom == b {
			return true
		}
	}
	return false
}

// Degree is the number of explicit heavy-atom neighbours.
func (m *Molecule) Degree(atom int) int {
	return len(m.adjacency[atom])
}

var defaultValences = map[string][]int{
	"B":  {3},
	"C":  {4},
	"N":  {3, 5},
	"O":  {2},
	"P":  {3, 5},
	"S":  {2, 4, 6},
	"F":  {1},
	"Cl": {1},
	"Br": {1},
	"I":  {1},
}

var atomicNumbers = map[string]int{
	"H": 1, "He": 2, "Li": 3, "Be": 4, "B": 5, "C": 6, "N": 7, "O": 8, "F": 9, "Ne": 10,
	"Na": 11, "Mg": 12, "Al": 13, "Si": 14, "P": 15, "S": 16, "Cl": 17, "Ar": 18, "K": 19, "Ca": 20,
	"Sc": 21, "Ti": 22, "V": 23, "Cr": 24, "Mn": 25, "Fe": 26, "Co": 27, "Ni": 28, "Cu": 29, "Zn": 30,
	"Ga": 31, "Ge": 32, "As": 33, "Se": 34, "Br": 35, "Kr": 36, "Rb": 37, "Sr": 38, "Y": 39, "Zr": 40,
	"Nb": 41, "Mo": 42, "Tc": 43, "Ru": 44, "Rh": 45, "Pd": 46, "Ag": 47, "Cd": 48, "In": 49, "Sn": 50,
	"Sb": 51, "Te": 52, "I": 53, "Xe": 54, "Cs": 55, "Ba": 56, "La": 57, "Ce": 58, "Pr": 59, "Nd": 60,
	"Pm": 61, "Sm": 62, "Eu": 63, "Gd": 64, "Tb": 65, "Dy": 66, "Ho": 67, "Er": 68, "Tm": 69, "Yb": 70,
	"Lu": 71, "Hf": 72, "Ta": 73, "W": 74, "Re": 75, "Os": 76, "Ir": 77, "Pt": 78, "Au": 79, "Hg": 80,
	"Tl": 81, "Pb": 82, "Bi": 83, "Po": 84, "At": 85, "Rn": 86, "Fr": 87, "Ra": 88, "Ac": 89, "Th": 90,
	"Pa": 91, "U": 92, "Np": 93, "Pu": 94, "Am": 95, "Cm": 96, "Bk": 97, "Cf": 98, "Es": 99, "Fm": 100,
	"Md": 101, "No": 102, "Lr": 103,
}

// AtomicNumber returns 0 for the wildcard atom.
func AtomicNumber(element string) int {
	return atomicNumbers[element]
}

func (m *Molecule) implicitHydrogens(idx int) int {
	a := m.Atoms[idx]
	valences, ok := defaultValences[a.Element]
	if !ok {
		return 0
	}
	used := 0
	for _, n := range m.adjacency[idx] {
		used += m.Bonds[n.bond].Order.valenceContribution()
	}
	if a.Aromatic {
		used++
	}
	for _, v := range valences {
		if v >= used {
			return v - used
		}
	}
	return 0
}

// finalize fills implicit hydrogens and ring membership, then perceives
// aromatic rings. Ring bonds are the bonds that are not bridges of the graph.
func (m *Molecule) finalize() {
	for i := range m.Atoms {
		if !m.Atoms[i].Bracket {
			m.Atoms[i].HCount = m.implicitHydrogens(i)
		}
	}

	n := len(m.Atoms)
	disc := make([]int, n)
	low := make([]int, n)
	for i := range disc {
		disc[i] = -1
	}
	timer := 0
	isBridge := make([]bool, len(m.Bonds))

	var visit func(u, parentBond int)
	visit = func(u, parentBond int) {
		disc[u] = timer
		low[u] = timer
		timer++
		for _, nb := range m.adjacency[u] {
			if nb.bond == parentBond {
				continue
			}
			if disc[nb.atom] == -1 {
				visit(nb.atom, nb.bond)
				if low[nb.atom] < low[u] {
					low[u] = low[nb.atom]
				}
				if low[nb.atom] > disc[u] {
					isBridge[nb.bond] = true
				}
			} else if disc[nb.atom] < low[u] {
				low[u] = disc[nb.atom]
			}
		}
	}
	for i := 0; i < n; i++ {
		if disc[i] == -1 {
			visit(i, -1)
		}
	}

	for i := range m.Bonds {
		if isBridge[i] {
			continue
		}
		m.Bonds[i].InRing = true
		m.Atoms[m.Bonds[i].From].InRing = true
		m.Atoms[m.Bonds[i].To].InRing = true
	}

	m.perceiveAromaticity()
}
