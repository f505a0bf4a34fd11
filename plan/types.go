package plan

import (
	"fmt"
	"math/big"
	"strings"
)

// Program identifies one of the referral-tree compensation structures the
// engine manages. The set is closed: placement, progression and routing all
// switch exhaustively over it.
type Program string

const (
	ProgramBinary Program = "binary"
	ProgramMatrix Program = "matrix"
	ProgramGlobal Program = "global"
)

var validPrograms = map[Program]struct{}{
	ProgramBinary: {},
	ProgramMatrix: {},
	ProgramGlobal: {},
}

// ParseProgram normalises the supplied identifier and rejects anything
// outside the supported set.
func ParseProgram(value string) (Program, error) {
	trimmed := Program(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := validPrograms[trimmed]; !ok {
		return "", fmt.Errorf("unknown program %q", value)
	}
	return trimmed, nil
}

func (p Program) Valid() bool {
	_, ok := validPrograms[p]
	return ok
}

func (p Program) String() string { return string(p) }

// Programs returns every supported program in a stable order, used by
// callers that iterate the whole catalog such as exports.
func Programs() []Program {
	return []Program{ProgramBinary, ProgramMatrix, ProgramGlobal}
}

// Phase identifies the structural stage of a slot tree. Single-phase
// programs only ever use PhaseOne.
type Phase string

const (
	PhaseOne Phase = "phase1"
	PhaseTwo Phase = "phase2"
)

var validPhases = map[Phase]struct{}{
	PhaseOne: {},
	PhaseTwo: {},
}

// ParsePhase normalises the supplied identifier and rejects anything outside
// the supported set.
func ParsePhase(value string) (Phase, error) {
	trimmed := Phase(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := validPhases[trimmed]; !ok {
		return "", fmt.Errorf("unknown phase %q", value)
	}
	return trimmed, nil
}

func (p Phase) Valid() bool {
	_, ok := validPhases[p]
	return ok
}

func (p Phase) String() string { return string(p) }

// shape fixes the structural parameters of a program: how many members each
// phase holds, how deep the cascade router walks, what share of an
// activation it moves, and how many slots the ladder has.
type shape struct {
	capacities      map[Phase]int
	cascadeDepth    int
	cascadeShareBps uint32
	maxSlot         int
}

var shapes = map[Program]shape{
	ProgramBinary: {
		capacities:      map[Phase]int{PhaseOne: 2},
		cascadeDepth:    3,
		cascadeShareBps: 5000,
		maxSlot:         12,
	},
	ProgramMatrix: {
		capacities:      map[Phase]int{PhaseOne: 3},
		cascadeDepth:    2,
		cascadeShareBps: 2500,
		maxSlot:         10,
	},
	ProgramGlobal: {
		capacities:      map[Phase]int{PhaseOne: 4, PhaseTwo: 8},
		cascadeDepth:    0,
		cascadeShareBps: 2500,
		maxSlot:         8,
	},
}

// Capacity returns the maximum number of direct children a node may hold in
// the given program phase.
func Capacity(program Program, phase Phase) (int, error) {
	sh, ok := shapes[program]
	if !ok {
		return 0, fmt.Errorf("unknown program %q", program)
	}
	capacity, ok := sh.capacities[phase]
	if !ok {
		return 0, fmt.Errorf("program %s has no %s", program, phase)
	}
	return capacity, nil
}

// PhaseCount reports how many structural phases the program ladders through
// per slot.
func PhaseCount(program Program) int {
	return len(shapes[program].capacities)
}

// HasPhase reports whether the program uses the given phase at all.
func HasPhase(program Program, phase Phase) bool {
	_, ok := shapes[program].capacities[phase]
	return ok
}

// FinalPhase returns the last phase of the program's per-slot ladder.
func FinalPhase(program Program) Phase {
	if HasPhase(program, PhaseTwo) {
		return PhaseTwo
	}
	return PhaseOne
}

// NextPhase returns the phase that follows the supplied one within the same
// slot, or false when the supplied phase is the slot's final phase.
func NextPhase(program Program, phase Phase) (Phase, bool) {
	if phase == PhaseOne && HasPhase(program, PhaseTwo) {
		return PhaseTwo, true
	}
	return "", false
}

// CascadeDepth returns how many placement-parent levels the cascade router
// walks before crediting an ancestor. Zero disables ancestor credits for the
// program entirely.
func CascadeDepth(program Program) int {
	return shapes[program].cascadeDepth
}

// CascadeShareBps returns the basis-point share of an activation cost the
// cascade router moves, either to an ancestor reserve or to the bonus pools.
func CascadeShareBps(program Program) uint32 {
	return shapes[program].cascadeShareBps
}

// MaxSlot returns the highest slot number the program's ladder reaches.
func MaxSlot(program Program) int {
	return shapes[program].maxSlot
}

// RoutedShare computes the cascade share of an activation cost using
// round-down basis-point arithmetic. The input is never mutated.
func RoutedShare(program Program, cost *big.Int) *big.Int {
	if cost == nil || cost.Sign() <= 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(cost, big.NewInt(int64(CascadeShareBps(program))))
	return share.Quo(share, big.NewInt(10_000))
}
