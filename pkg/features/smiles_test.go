package features

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSMILES(t *testing.T) {
	t.Run("ethanol", func(t *testing.T) {
		mol, err := ParseSMILES("CCO")
		require.NoError(t, err)
		require.Len(t, mol.Atoms, 3)
		require.Len(t, mol.Bonds, 2)
		assert.Equal(t, []int{3, 2, 1}, []int{mol.Atoms[0].HCount, mol.Atoms[1].HCount, mol.Atoms[2].HCount})
		for _, a := range mol.Atoms {
			assert.False(t, a.InRing)
		}
	})

	t.Run("two letter organic atoms", func(t *testing.T) {
		mol, err := ParseSMILES("CCl")
		require.NoError(t, err)
		require.Len(t, mol.Atoms, 2)
		assert.Equal(t, "Cl", mol.Atoms[1].Element)
		assert.Equal(t, 0, mol.Atoms[1].HCount)
	})

	t.Run("benzene is aromatic and cyclic", func(t *testing.T) {
		mol, err := ParseSMILES("c1ccccc1")
		require.NoError(t, err)
		require.Len(t, mol.Atoms, 6)
		require.Len(t, mol.Bonds, 6)
		for _, b := range mol.Bonds {
			assert.Equal(t, BondAromatic, b.Order)
			assert.True(t, b.InRing)
		}
		for _, a := range mol.Atoms {
			assert.True(t, a.Aromatic)
			assert.Equal(t, 1, a.HCount)
		}
	})

	t.Run("substituent outside ring is not a ring bond", func(t *testing.T) {
		mol, err := ParseSMILES("C1CCCCC1O")
		require.NoError(t, err)
		require.Len(t, mol.Atoms, 7)
		assert.False(t, mol.Atoms[6].InRing)
		assert.True(t, mol.Atoms[5].InRing)
	})

	t.Run("branches and double bonds", func(t *testing.T) {
		mol, err := ParseSMILES("CC(=O)O")
		require.NoError(t, err)
		require.Len(t, mol.Atoms, 4)
		assert.Equal(t, 0, mol.Atoms[1].HCount)
		assert.Equal(t, 3, mol.Degree(1))
		assert.Equal(t, BondDouble, mol.Bonds[1].Order)
		assert.Equal(t, 1, mol.Atoms[3].HCount)
	})

	t.Run("bracket atoms", func(t *testing.T) {
		mol, err := ParseSMILES("[NH4+]")
		require.NoError(t, err)
		require.Len(t, mol.Atoms, 1)
		assert.Equal(t, "N", mol.Atoms[0].Element)
		assert.Equal(t, 4, mol.Atoms[0].HCount)
		assert.Equal(t, 1, mol.Atoms[0].Charge)

		mol, err = ParseSMILES("[13C@@H](F)(Cl)Br")
		require.NoError(t, err)
		assert.Equal(t, 13, mol.Atoms[0].Isotope)
		assert.Equal(t, 1, mol.Atoms[0].HCount)

		mol, err = ParseSMILES("[Fe+2]")
		require.NoError(t, err)
		assert.Equal(t, "Fe", mol.Atoms[0].Element)
		assert.Equal(t, 2, mol.Atoms[0].Charge)

		mol, err = ParseSMILES("[O--]")
		require.NoError(t, err)
		assert.Equal(t, -2, mol.Atoms[0].Charge)
	})

	t.Run("percent ring closures and dots", func(t *testing.T) {
		mol, err := ParseSMILES("C%12CCC%12.[Na+]")
		require.NoError(t, err)
		require.Len(t, mol.Atoms, 5)
		require.Len(t, mol.Bonds, 4)
		assert.False(t, mol.Atoms[4].InRing)
	})

	t.Run("aromatic nitrogen with hydrogen", func(t *testing.T) {
		mol, err := ParseSMILES("c1cc[nH]c1")
		require.NoError(t, err)
		require.Len(t, mol.Atoms, 5)
		assert.Equal(t, "N", mol.Atoms[3].Element)
		assert.True(t, mol.Atoms[3].Aromatic)
		assert.Equal(t, 1, mol.Atoms[3].HCount)
	})
}

func TestKekuleRingsBecomeAromatic(t *testing.T) {
	t.Run("benzene", func(t *testing.T) {
		mol, err := ParseSMILES("C1=CC=CC=C1")
		require.NoError(t, err)
		for _, b := range mol.Bonds {
			assert.Equal(t, BondAromatic, b.Order)
		}
		for _, a := range mol.Atoms {
			assert.True(t, a.Aromatic)
			assert.Equal(t, 1, a.HCount)
		}
	})

	t.Run("pyridine", func(t *testing.T) {
		mol, err := ParseSMILES("C1=CC=NC=C1")
		require.NoError(t, err)
		assert.True(t, mol.Atoms[3].Aromatic)
		assert.Equal(t, 0, mol.Atoms[3].HCount)
	})

	t.Run("fused rings", func(t *testing.T) {
		for _, smiles := range []string{"C1=CC=C2C=CC=CC2=C1", "C1=CC2=CC=CC=C2C=C1"} {
			mol, err := ParseSMILES(smiles)
			require.NoError(t, err)
			for _, a := range mol.Atoms {
				assert.True(t, a.Aromatic, smiles)
			}
		}
	})

	t.Run("non aromatic rings are kept", func(t *testing.T) {
		for _, smiles := range []string{"C1=CCCCC1", "C1CCCCC1", "O=C1C=CC(=O)C=C1", "C1=CC=CC1"} {
			mol, err := ParseSMILES(smiles)
			require.NoError(t, err)
			for _, a := range mol.Atoms {
				assert.False(t, a.Aromatic, smiles)
			}
		}
	})
}

func TestParseSMILESErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		pos   int
	}{
		{"empty", "", -1},
		{"unclosed branch", "C(C", 2},
		{"unbalanced close", "C)C", 1},
		{"unclosed ring", "C1CC", 1},
		{"unknown element", "CX", 1},
		{"unknown bracket element", "C[Xx]", 2},
		{"unterminated bracket", "C[NH4+", 1},
		{"dangling bond", "C=", 1},
		{"leading bond", "=C", 0},
		{"leading branch", "(C)", 0},
		{"double dot", "C..C", 2},
		{"short percent ring", "C%1", 1},
		{"whitespace", "C C", 1},
		{"self ring", "C11", 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSMILES(tc.input)
			require.Error(t, err)
			var encErr *EncodingError
			require.True(t, errors.As(err, &encErr))
			assert.Equal(t, tc.input, encErr.Item)
			assert.Equal(t, tc.pos, encErr.Pos)
		})
	}
}
