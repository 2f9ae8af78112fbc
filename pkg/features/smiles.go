package features

import (
	"unicode"
)

var organicSubset = map[string]bool{
	"B": true, "C": true, "N": true, "O": true, "P": true, "S": true,
	"F": true, "Cl": true, "Br": true, "I": true,
}

var aromaticSymbols = map[string]string{
	"b": "B", "c": "C", "n": "N", "o": "O", "p": "P", "s": "S",
	"se": "Se", "as": "As", "te": "Te",
}

type ringOpening struct {
	atom  int
	order BondOrder
	pos   int
}

type smilesParser struct {
	src string
	pos int
	mol *Molecule

	prev     int
	pending  BondOrder
	branches []int
	rings    map[int]ringOpening
}

// ParseSMILES parses a SMILES string into a heavy-atom graph. Stereo marks are
// accepted and ignored. Any syntax error is returned as an *EncodingError.
func ParseSMILES(s string) (*Molecule, error) {
	if s == "" {
		return nil, newEncodingError(s, -1, "empty input")
	}
	p := &smilesParser{
		src:   s,
		mol:   &Molecule{},
		prev:  -1,
		rings: map[int]ringOpening{},
	}
	if err := p.parse(); err != nil {
		return nil, err
	}
	p.mol.finalize()
	return p.mol, nil
}

func (p *smilesParser) fail(pos int, format string, args ...interface{}) error {
	return newEncodingError(p.src, pos, format, args...)
}

func (p *smilesParser) parse() error {
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '(':
			if p.prev == -1 {
				return p.fail(p.pos, "branch without preceding atom")
			}
			if p.pending != 0 {
				return p.fail(p.pos, "bond before branch")
			}
			p.branches = append(p.branches, p.prev)
			p.pos++
		case c == ')':
			if len(p.branches) == 0 {
				return p.fail(p.pos, "unbalanced ')'")
			}
			if p.pending != 0 {
				return p.fail(p.pos, "dangling bond")
			}
			p.prev = p.branches[len(p.branches)-1]
			p.branches = p.branches[:len(p.branches)-1]
			p.pos++
		case isBondChar(c):
			if p.prev == -1 {
				return p.fail(p.pos, "bond without preceding atom")
			}
			if p.pending != 0 {
				return p.fail(p.pos, "consecutive bonds")
			}
			p.pending = bondFromChar(c)
			p.pos++
		case c == '.':
			if p.prev == -1 {
				return p.fail(p.pos, "unexpected '.'")
			}
			if p.pending != 0 {
				return p.fail(p.pos, "dangling bond")
			}
			p.prev = -1
			p.pos++
		case c == '%' || (c >= '0' && c <= '9'):
			if err := p.parseRingClosure(); err != nil {
				return err
			}
		case c == '[':
			a, err := p.parseBracketAtom()
			if err != nil {
				return err
			}
			p.attach(a)
		default:
			a, err := p.parseOrganicAtom()
			if err != nil {
				return err
			}
			p.attach(a)
		}
	}

	if p.pending != 0 {
		return p.fail(len(p.src)-1, "dangling bond")
	}
	if len(p.branches) > 0 {
		return p.fail(len(p.src)-1, "unbalanced '('")
	}
	if len(p.rings) > 0 {
		first, firstPos := 0, len(p.src)
		for n, r := range p.rings {
			if r.pos < firstPos {
				first, firstPos = n, r.pos
			}
		}
		return p.fail(firstPos, "unclosed ring %d", first)
	}
	return nil
}

func isBondChar(c byte) bool {
	switch c {
	case '-', '=', '#', '$', ':', '/', '\\':
		return true
	}
	return false
}

func bondFromChar(c byte) BondOrder {
	switch c {
	case '=':
		return BondDouble
	case '#':
		return BondTriple
	case '$':
		return BondQuadruple
	case ':':
		return BondAromatic
	}
	return BondSingle
}

func (p *smilesParser) defaultOrder(a, b int) BondOrder {
	if p.mol.Atoms[a].Aromatic && p.mol.Atoms[b].Aromatic {
		return BondAromatic
	}
	return BondSingle
}

func (p *smilesParser) attach(a Atom) {
	idx := p.mol.addAtom(a)
	if p.prev != -1 {
		order := p.pending
		if order == 0 {
			order = p.defaultOrder(p.prev, idx)
		}
		p.mol.addBond(p.prev, idx, order)
	}
	p.pending = 0
	p.prev = idx
}

func (p *smilesParser) parseRingClosure() error {
	start := p.pos
	if p.prev == -1 {
		return p.fail(start, "ring closure without preceding atom")
	}
	var n int
	if p.src[p.pos] == '%' {
		if p.pos+2 >= len(p.src) || !isDigit(p.src[p.pos+1]) || !isDigit(p.src[p.pos+2]) {
			return p.fail(start, "'%%' must be followed by two digits")
		}
		n = int(p.src[p.pos+1]-'0')*10 + int(p.src[p.pos+2]-'0')
		p.pos += 3
	} else {
		n = int(p.src[p.pos] - '0')
		p.pos++
	}

	open, ok := p.rings[n]
	if !ok {
		p.rings[n] = ringOpening{atom: p.prev, order: p.pending, pos: start}
		p.pending = 0
		return nil
	}

	order := p.pending
	if open.order != 0 {
		if order != 0 && order != open.order {
			return p.fail(start, "conflicting bond orders for ring %d", n)
		}
		order = open.order
	}
	if open.atom == p.prev {
		return p.fail(start, "ring %d closes on its own atom", n)
	}
	if p.mol.bonded(open.atom, p.prev) {
		return p.fail(start, "ring %d duplicates an existing bond", n)
	}
	if order == 0 {
		order = p.defaultOrder(open.atom, p.prev)
	}
	p.mol.addBond(open.atom, p.prev, order)
	delete(p.rings, n)
	p.pending = 0
	return nil
}

func (p *smilesParser) parseOrganicAtom() (Atom, error) {
	start := p.pos
	c := p.src[p.pos]
	if c == '*' {
		p.pos++
		return Atom{Element: "*"}, nil
	}
	if p.pos+1 < len(p.src) {
		two := p.src[p.pos : p.pos+2]
		if two == "Cl" || two == "Br" {
			p.pos += 2
			return Atom{Element: two}, nil
		}
	}
	sym := string(c)
	if organicSubset[sym] {
		p.pos++
		return Atom{Element: sym}, nil
	}
	if el, ok := aromaticSymbols[sym]; ok {
		p.pos++
		return Atom{Element: el, Aromatic: true}, nil
	}
	if unicode.IsLetter(rune(c)) {
		return Atom{}, p.fail(start, "unknown element %q outside brackets", sym)
	}
	return Atom{}, p.fail(start, "unexpected character %q", sym)
}

// parseBracketAtom reads [isotope? symbol chiral? hcount? charge? class?].
func (p *smilesParser) parseBracketAtom() (Atom, error) {
	start := p.pos
	p.pos++ // '['
	a := Atom{Bracket: true}

	a.Isotope = p.readNumber()

	if p.pos >= len(p.src) {
		return a, p.fail(start, "unterminated bracket atom")
	}
	sym, aromatic, ok := p.readBracketSymbol()
	if !ok {
		return a, p.fail(p.pos, "unknown element in bracket atom")
	}
	a.Element = sym
	a.Aromatic = aromatic

	// chirality: @, @@, @TH1, @AL2, @SP3, @TB10, @OH25
	for p.pos < len(p.src) && p.src[p.pos] == '@' {
		p.pos++
	}
	if p.pos+1 < len(p.src) && isUpper(p.src[p.pos]) && isUpper(p.src[p.pos+1]) {
		switch p.src[p.pos : p.pos+2] {
		case "TH", "AL", "SP", "TB", "OH":
			p.pos += 2
			p.readNumber()
		}
	}

	if p.pos < len(p.src) && p.src[p.pos] == 'H' {
		p.pos++
		a.HCount = 1
		if p.pos < len(p.src) && isDigit(p.src[p.pos]) {
			a.HCount = int(p.src[p.pos] - '0')
			p.pos++
		}
	}

	if p.pos < len(p.src) && (p.src[p.pos] == '+' || p.src[p.pos] == '-') {
		sign := 1
		if p.src[p.pos] == '-' {
			sign = -1
		}
		signChar := p.src[p.pos]
		p.pos++
		if p.pos < len(p.src) && isDigit(p.src[p.pos]) {
			a.Charge = sign * p.readNumber()
		} else {
			a.Charge = sign
			for p.pos < len(p.src) && p.src[p.pos] == signChar {
				a.Charge += sign
				p.pos++
			}
		}
	}

	if p.pos < len(p.src) && p.src[p.pos] == ':' {
		p.pos++
		if p.pos >= len(p.src) || !isDigit(p.src[p.pos]) {
			return a, p.fail(p.pos, "atom class must be numeric")
		}
		p.readNumber()
	}

	if p.pos >= len(p.src) || p.src[p.pos] != ']' {
		return a, p.fail(start, "unterminated bracket atom")
	}
	p.pos++
	return a, nil
}

func (p *smilesParser) readBracketSymbol() (string, bool, bool) {
	c := p.src[p.pos]
	if c == '*' {
		p.pos++
		return "*", false, true
	}
	if isLower(c) {
		if p.pos+1 < len(p.src) {
			if el, ok := aromaticSymbols[p.src[p.pos:p.pos+2]]; ok {
				p.pos += 2
				return el, true, true
			}
		}
		if el, ok := aromaticSymbols[string(c)]; ok {
			p.pos++
			return el, true, true
		}
		return "", false, false
	}
	if !isUpper(c) {
		return "", false, false
	}
	if p.pos+1 < len(p.src) && isLower(p.src[p.pos+1]) {
		two := p.src[p.pos : p.pos+2]
		if _, ok := atomicNumbers[two]; ok {
			p.pos += 2
			return two, false, true
		}
	}
	one := string(c)
	if _, ok := atomicNumbers[one]; ok {
		p.pos++
		return one, false, true
	}
	return "", false, false
}

func (p *smilesParser) readNumber() int {
	n := 0
	for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
		n = n*10 + int(p.src[p.pos]-'0')
		p.pos++
	}
	return n
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }
func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
