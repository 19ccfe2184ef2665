// Package modes defines the six DLM lock modes, their compatibility and
// LVB-transfer relationships, and the promotion ordering between them.
package modes

// Mode is a DLM lock mode. Modes form a lattice from weakest (NL) to
// strongest (EX); CW and PR are incomparable siblings between CR and PW.
type Mode int

const (
	NL Mode = iota // null, no access
	CR              // concurrent read
	CW              // concurrent write
	PR              // protected read
	PW              // protected write
	EX              // exclusive
)

func (m Mode) String() string {
	switch m {
	case NL:
		return "NL"
	case CR:
		return "CR"
	case CW:
		return "CW"
	case PR:
		return "PR"
	case PW:
		return "PW"
	case EX:
		return "EX"
	default:
		return "INVALID"
	}
}

// Valid reports whether m is one of the six defined modes.
func (m Mode) Valid() bool {
	return m >= NL && m <= EX
}

// compat[a][b] is true when a lock held in mode a does not conflict with a
// request for mode b. The matrix is symmetric. NL is compatible with
// everything; EX is compatible with nothing but NL.
var compat = [6][6]bool{
	NL: {NL: true, CR: true, CW: true, PR: true, PW: true, EX: true},
	CR: {NL: true, CR: true, CW: true, PR: true, PW: true, EX: false},
	CW: {NL: true, CR: true, CW: true, PR: false, PW: false, EX: false},
	PR: {NL: true, CR: true, CW: false, PR: true, PW: false, EX: false},
	PW: {NL: true, CR: true, CW: false, PR: false, PW: false, EX: false},
	EX: {NL: true, CR: false, CW: false, PR: false, PW: false, EX: false},
}

// Compatible reports whether a lock granted in mode held and a request for
// mode requested may coexist on the same resource.
func Compatible(held, requested Mode) bool {
	return compat[held][requested]
}

// lvbCarryModes is the set of granted modes counted as value-block holders:
// PW and EX. Every other mode is not.
var lvbCarryModes = map[Mode]bool{
	PW: true,
	EX: true,
}

// CarriesLVB reports whether a lock granted in mode m is considered a
// value-block holder: its AST/grant should receive the resource's current LVB.
func CarriesLVB(m Mode) bool {
	return lvbCarryModes[m]
}

// lvbWriteModes are the grant modes strong enough to overwrite the
// resource's LVB with the value the caller supplied on its request, mirroring
// the kernel DLM's lock_lvb table (PW and EX are the only write-capable
// modes; every other mode only ever reads).
var lvbWriteModes = map[Mode]bool{
	PW: true,
	EX: true,
}

// LVBWritesToResource reports whether granting a request in mode rq with the
// VALBLK flag set should copy the caller-supplied LVB into the resource
// (LKB -> RSB), rather than leaving the resource's existing LVB untouched.
func LVBWritesToResource(rq Mode) bool {
	return lvbWriteModes[rq]
}

// LVBReadsFromResource reports whether granting a request in mode rq against
// a resource whose LVB was last set under grmode should copy the resource's
// LVB back into the new LKB (RSB -> LKB). Every mode above NL observes the
// current value; NL never does, since it holds no real access.
func LVBReadsFromResource(grmode, rq Mode) bool {
	if rq == NL {
		return false
	}
	return CarriesLVB(grmode) || grmode == NL
}

// Stronger reports whether a is a strictly stronger mode than b in the
// promotion ordering NL < CR < {CW,PR} < PW < EX, treating CW and PR as
// equal rank for ordering purposes (they are incomparable but both above CR).
func Stronger(a, b Mode) bool {
	return rank(a) > rank(b)
}

func rank(m Mode) int {
	switch m {
	case NL:
		return 0
	case CR:
		return 1
	case CW, PR:
		return 2
	case PW:
		return 3
	case EX:
		return 4
	default:
		return -1
	}
}

// Max returns the stronger of two modes by rank; ties prefer a.
func Max(a, b Mode) Mode {
	if rank(b) > rank(a) {
		return b
	}
	return a
}
