package modbus

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/solarwatt/core/internal/stdkeys"
)

// WireType is the on-the-wire encoding of one register value (§3).
type WireType int

const (
	TypeU16 WireType = iota
	TypeI16
	TypeU32
	TypeI32
	TypeASCII8
	TypeCode
	TypeBitfield
	TypeHex
)

// Width returns the number of u16 registers the type occupies.
func (t WireType) Width() uint16 {
	switch t {
	case TypeU32, TypeI32:
		return 2
	case TypeASCII8:
		return 8
	default:
		return 1
	}
}

// scaled reports whether values of this type are multiplied by Scale; per
// §4.2.1 scaling applies iff the unit is not in {code, bitfield, hex}.
func (t WireType) scaled() bool {
	switch t {
	case TypeCode, TypeBitfield, TypeHex:
		return false
	default:
		return true
	}
}

// Priority is the polling tier a descriptor belongs to (§3).
type Priority int

const (
	PriorityCritical Priority = iota
	PrioritySummary
)

// FunctionType selects FC03 (holding) or FC04 (input) registers.
type FunctionType int

const (
	FunctionHolding FunctionType = iota
	FunctionInput
)

func (f FunctionType) Code() byte {
	if f == FunctionInput {
		return FuncReadInputRegisters
	}
	return FuncReadHoldingRegisters
}

// RegisterDescriptor describes one readable quantity on a device (§3).
type RegisterDescriptor struct {
	Key          stdkeys.Key
	Address      uint16
	Type         WireType
	Scale        float64
	Static       bool
	Priority     Priority
	Function     FunctionType
	LittleEndianWords bool // per-plugin flag: swaps u32/i32 word order (e.g. EG4)
}

func (d RegisterDescriptor) Width() uint16 { return d.Type.Width() }

// ReadGroup is a contiguous (or near-contiguous) run of descriptors
// fused into one wire request (§3, §4.2.2).
type ReadGroup struct {
	StartAddress uint16
	Count        uint16
	Function     FunctionType
	Descriptors  []RegisterDescriptor
}

// GroupDescriptors implements the §4.2.2 algorithm: sort by (function
// type, address), sweep left to right, accumulating into the current
// group while the group stays within maxRegsPerRead and no internal gap
// exceeds maxRegisterGap; start a new group otherwise.
func GroupDescriptors(descs []RegisterDescriptor, maxRegsPerRead, maxRegisterGap uint16) []ReadGroup {
	if len(descs) == 0 {
		return nil
	}

	sorted := append([]RegisterDescriptor(nil), descs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Function != sorted[j].Function {
			return sorted[i].Function < sorted[j].Function
		}
		return sorted[i].Address < sorted[j].Address
	})

	var groups []ReadGroup
	var cur *ReadGroup

	for _, d := range sorted {
		end := d.Address + d.Width()
		if cur == nil {
			g := ReadGroup{StartAddress: d.Address, Function: d.Function}
			cur = &g
		} else {
			groupEnd := cur.StartAddress + cur.Count
			sameFunction := cur.Function == d.Function
			within := sameFunction && (end-cur.StartAddress) <= maxRegsPerRead
			gapOK := sameFunction && d.Address <= groupEnd+maxRegisterGap
			if !within || !gapOK {
				groups = append(groups, *cur)
				g := ReadGroup{StartAddress: d.Address, Function: d.Function}
				cur = &g
			}
		}
		cur.Descriptors = append(cur.Descriptors, d)
		if span := end - cur.StartAddress; span > cur.Count {
			cur.Count = span
		}
	}
	if cur != nil {
		groups = append(groups, *cur)
	}
	return groups
}

// DecodeRegister decodes one descriptor's value from words, which must
// start at the descriptor's own address; callers slice the group's raw
// u16 words at the descriptor's offset before calling.
func DecodeRegister(d RegisterDescriptor, words []uint16) (stdkeys.Value, error) {
	need := int(d.Width())
	if len(words) < need {
		return stdkeys.Value{}, fmt.Errorf("modbus: decode %s: need %d words, have %d", d.Key, need, len(words))
	}

	switch d.Type {
	case TypeU16:
		return scaledNumber(float64(words[0]), d), nil
	case TypeI16:
		return scaledNumber(float64(int16(words[0])), d), nil
	case TypeU32:
		v := joinWords32(words[0], words[1], d.LittleEndianWords)
		return scaledNumber(float64(v), d), nil
	case TypeI32:
		v := int32(joinWords32(words[0], words[1], d.LittleEndianWords))
		return scaledNumber(float64(v), d), nil
	case TypeASCII8:
		return decodeASCII8(words), nil
	case TypeCode, TypeBitfield, TypeHex:
		return stdkeys.IntV(int64(words[0])), nil
	default:
		return stdkeys.Value{}, fmt.Errorf("modbus: unknown wire type for %s", d.Key)
	}
}

func joinWords32(hi, lo uint16, littleEndianWords bool) uint32 {
	if littleEndianWords {
		hi, lo = lo, hi
	}
	return uint32(hi)<<16 | uint32(lo)
}

func scaledNumber(raw float64, d RegisterDescriptor) stdkeys.Value {
	if !d.Type.scaled() || d.Scale == 0 {
		return stdkeys.Num(raw)
	}
	return stdkeys.Num(raw * d.Scale)
}

// decodeASCII8 reads eight words as 16 big-endian bytes, strips trailing
// NUL/space/tab/CR/LF, and decodes as ASCII with replacement for
// invalid bytes (§4.2.1).
func decodeASCII8(words []uint16) stdkeys.Value {
	raw := make([]byte, 16)
	for i := 0; i < 8; i++ {
		binary.BigEndian.PutUint16(raw[i*2:i*2+2], words[i])
	}
	raw = []byte(strings.TrimRight(string(raw), "\x00 \t\r\n"))
	out := make([]byte, len(raw))
	for i, b := range raw {
		if b >= 0x20 && b < 0x7f {
			out[i] = b
		} else {
			out[i] = '?'
		}
	}
	return stdkeys.TextV(string(out))
}

// WordsFromBytes splits a raw big-endian byte payload into u16 words, as
// returned on the wire for a register read response.
func WordsFromBytes(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[i*2 : i*2+2])
	}
	return words
}
