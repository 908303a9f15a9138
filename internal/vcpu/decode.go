package vcpu

import "fmt"

// DecodedMMIO describes a single MMIO-faulting load or store instruction:
// which register is the source/destination, the access width in bytes, and
// the instruction's length so the loop knows how far to advance PC.
type DecodedMMIO struct {
	Reg      int
	Width    int
	IsStore  bool
	InstrLen int
}

// DecodeMMIOInstruction distinguishes 16-bit (compressed) and 32-bit
// instruction forms by the low two bits and matches load/store patterns for
// byte and word widths, including compressed c.lw/c.sw (spec.md §4.2).
func DecodeMMIOInstruction(raw uint32) (DecodedMMIO, error) {
	if raw&0x3 != 0x3 {
		return decodeCompressed(uint16(raw))
	}
	return decodeStandard(raw)
}

// decodeStandard handles the 32-bit I-type loads (LB/LBU/LH/LHU/LW/LWU/LD)
// and S-type stores (SB/SH/SW/SD) that reach MMIO.
func decodeStandard(inst uint32) (DecodedMMIO, error) {
	opcode := inst & 0x7f

	switch opcode {
	case 0x03: // LOAD
		funct3 := (inst >> 12) & 0x7
		rd := int((inst >> 7) & 0x1f)
		width, err := loadWidth(funct3)
		if err != nil {
			return DecodedMMIO{}, err
		}
		return DecodedMMIO{Reg: rd, Width: width, IsStore: false, InstrLen: 4}, nil

	case 0x23: // STORE
		funct3 := (inst >> 12) & 0x7
		rs2 := int((inst >> 20) & 0x1f)
		width, err := storeWidth(funct3)
		if err != nil {
			return DecodedMMIO{}, err
		}
		return DecodedMMIO{Reg: rs2, Width: width, IsStore: true, InstrLen: 4}, nil

	default:
		return DecodedMMIO{}, fmt.Errorf("vcpu: opcode %#x is not a load/store", opcode)
	}
}

func loadWidth(funct3 uint32) (int, error) {
	switch funct3 {
	case 0x0, 0x4: // LB, LBU
		return 1, nil
	case 0x1, 0x5: // LH, LHU
		return 2, nil
	case 0x2, 0x6: // LW, LWU
		return 4, nil
	case 0x3: // LD
		return 8, nil
	default:
		return 0, fmt.Errorf("vcpu: unrecognized load funct3 %#x", funct3)
	}
}

func storeWidth(funct3 uint32) (int, error) {
	switch funct3 {
	case 0x0: // SB
		return 1, nil
	case 0x1: // SH
		return 2, nil
	case 0x2: // SW
		return 4, nil
	case 0x3: // SD
		return 8, nil
	default:
		return 0, fmt.Errorf("vcpu: unrecognized store funct3 %#x", funct3)
	}
}

// decodeCompressed handles the C.LW/C.SW (and C.LD/C.SD) quadrant-0 forms;
// these are the only compressed instructions that can fault into MMIO
// because loads/stores below the guest stack are never compressed-relative.
func decodeCompressed(inst uint16) (DecodedMMIO, error) {
	op := inst & 0x3
	funct3 := (inst >> 13) & 0x7

	if op != 0x0 {
		return DecodedMMIO{}, fmt.Errorf("vcpu: compressed quadrant %#x has no MMIO load/store form", op)
	}

	rdRs2 := int((inst>>2)&0x7) + 8 // c.* register fields index x8-x15

	switch funct3 {
	case 0x2: // C.LW
		return DecodedMMIO{Reg: rdRs2, Width: 4, IsStore: false, InstrLen: 2}, nil
	case 0x3: // C.LD
		return DecodedMMIO{Reg: rdRs2, Width: 8, IsStore: false, InstrLen: 2}, nil
	case 0x6: // C.SW
		return DecodedMMIO{Reg: rdRs2, Width: 4, IsStore: true, InstrLen: 2}, nil
	case 0x7: // C.SD
		return DecodedMMIO{Reg: rdRs2, Width: 8, IsStore: true, InstrLen: 2}, nil
	default:
		return DecodedMMIO{}, fmt.Errorf("vcpu: compressed funct3 %#x is not a load/store", funct3)
	}
}
