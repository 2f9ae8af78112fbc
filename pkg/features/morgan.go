package features

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
)

// morganCodec computes a circular fingerprint: each atom starts with an
// identifier derived from its invariants, which is then refined Radius times
// with the identifiers of its neighbours. Every identifier produced at every
// iteration sets one bit.
type morganCodec struct {
	cfg         Config
	useFeatures bool
}

var _ Codec = (*morganCodec)(nil)

func newMorganCodec(cfg Config) (Codec, error) {
	return &morganCodec{
		cfg:         cfg,
		useFeatures: cfg.Algorithm == AlgorithmMorganFeatures,
	}, nil
}

func (m *morganCodec) Config() Config {
	return m.cfg
}

func (m *morganCodec) Encode(item string) (Vector, error) {
	mol, err := ParseSMILES(item)
	if err != nil {
		return nil, err
	}

	v := make(Vector, m.cfg.Bits)
	for _, id := range m.identifiers(mol) {
		v[id%uint32(m.cfg.Bits)] = 1
	}
	return v, nil
}

// identifiers returns every environment identifier up to the configured radius.
func (m *morganCodec) identifiers(mol *Molecule) []uint32 {
	n := len(mol.Atoms)
	current := make([]uint32, n)
	for i := range mol.Atoms {
		if m.useFeatures {
			current[i] = hashInts(featureInvariants(mol, i)...)
		} else {
			current[i] = hashInts(atomInvariants(mol, i)...)
		}
	}

	ret := make([]uint32, 0, n*(m.cfg.Radius+1))
	ret = append(ret, current...)

	type pair struct {
		order uint32
		id    uint32
	}

	for iter := 1; iter <= m.cfg.Radius; iter++ {
		next := make([]uint32, n)
		for i := range mol.Atoms {
			pairs := make([]pair, 0, len(mol.adjacency[i]))
			for _, nb := range mol.adjacency[i] {
				pairs = append(pairs, pair{
					order: uint32(mol.Bonds[nb.bond].Order),
					id:    current[nb.atom],
				})
			}
			sort.Slice(pairs, func(a, b int) bool {
				if pairs[a].order != pairs[b].order {
					return pairs[a].order < pairs[b].order
				}
				return pairs[a].id < pairs[b].id
			})

			values := make([]uint32, 0, 2+2*len(pairs))
			values = append(values, uint32(iter), current[i])
			for _, p := range pairs {
				values = append(values, p.order, p.id)
			}
			next[i] = hashUint32s(values)
		}
		current = next
		ret = append(ret, current...)
	}
	return ret
}

func atomInvariants(mol *Molecule, i int) []int {
	a := mol.Atoms[i]
	return []int{
		AtomicNumber(a.Element),
		mol.Degree(i),
		a.HCount,
		a.Charge,
		a.Isotope,
		boolInt(a.InRing),
		boolInt(a.Aromatic),
	}
}

const (
	featureDonor = 1 << iota
	featureAcceptor
	featureAromatic
	featureHalogen
	featureBasic
	featureAcidic
)

// featureInvariants reduces an atom to pharmacophoric classes, so that atoms
// playing the same role hash identically regardless of element.
func featureInvariants(mol *Molecule, i int) []int {
	a := mol.Atoms[i]
	flags := 0

	switch a.Element {
	case "N", "O":
		if a.HCount > 0 {
			flags |= featureDonor
		}
	}
	switch a.Element {
	case "O":
		if a.Charge <= 0 {
			flags |= featureAcceptor
		}
	case "N":
		if a.Charge <= 0 && !(a.Aromatic && a.HCount > 0) && !hasMultipleBond(mol, i) {
			flags |= featureAcceptor
		}
	}
	if a.Aromatic {
		flags |= featureAromatic
	}
	switch a.Element {
	case "F", "Cl", "Br", "I":
		flags |= featureHalogen
	}
	if a.Element == "N" && !a.Aromatic && (a.Charge > 0 || (a.Charge == 0 && !hasMultipleBond(mol, i) && !nextToCarbonyl(mol, i))) {
		flags |= featureBasic
	}
	if isAcidicOxygen(mol, i) {
		flags |= featureAcidic
	}
	return []int{flags}
}

func hasMultipleBond(mol *Molecule, i int) bool {
	for _, nb := range mol.adjacency[i] {
		switch mol.Bonds[nb.bond].Order {
		case BondDouble, BondTriple, BondQuadruple:
			return true
		}
	}
	return false
}

// nextToCarbonyl reports whether atom i is bonded to a carbon carrying a C=O.
func nextToCarbonyl(mol *Molecule, i int) bool {
	for _, nb := range mol.adjacency[i] {
		if mol.Atoms[nb.atom].Element != "C" {
			continue
		}
		for _, nb2 := range mol.adjacency[nb.atom] {
			if nb2.atom == i {
				continue
			}
			if mol.Atoms[nb2.atom].Element == "O" && mol.Bonds[nb2.bond].Order == BondDouble {
				return true
			}
		}
	}
	return false
}

// isAcidicOxygen matches the hydroxyl or anionic oxygen of a carboxylic acid
// or carboxylate, and any negatively charged oxygen.
func isAcidicOxygen(mol *Molecule, i int) bool {
	a := mol.Atoms[i]
	if a.Element != "O" {
		return false
	}
	if a.Charge < 0 {
		return true
	}
	return a.HCount > 0 && nextToCarbonyl(mol, i)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func hashInts(values ...int) uint32 {
	u := make([]uint32, len(values))
	for i, v := range values {
		u[i] = uint32(int32(v))
	}
	return hashUint32s(u)
}

func hashUint32s(values []uint32) uint32 {
	h := fnv.New32a()
	var buf [4]byte
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	return h.Sum32()
}
