// Package modbus implements bit-exact Modbus-TCP and Modbus-RTU framing
// and register decoding (spec §4.2), plus the register-grouping algorithm
// that fuses descriptors into minimal-round-trip ReadGroups (§4.2.2).
//
// Framing is adapted from the teacher's hand-rolled MBAP encode/decode
// (ModbusMBAPHeader/ModbusTCPADU), generalized to also produce RTU
// frames and to operate on plain byte slices rather than an io.Reader,
// so the codec is exercised directly in tests without a live socket.
package modbus

import (
	"encoding/binary"
	"fmt"
)

const (
	FuncReadHoldingRegisters = 0x03
	FuncReadInputRegisters   = 0x04

	exceptionBit = 0x80
)

// ModbusException is a well-formed device response indicating the
// request itself was invalid (§7 "Protocol exception" — not retried).
type ModbusException struct {
	Function byte
	Code     byte
}

func (e *ModbusException) Error() string {
	return fmt.Sprintf("modbus: exception response for function 0x%02x: code 0x%02x (%s)", e.Function, e.Code, exceptionText(e.Code))
}

func exceptionText(code byte) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "slave device failure"
	case 0x06:
		return "slave device busy"
	default:
		return "unknown"
	}
}

// encodeReadRequestPDU builds the function-code + address + quantity PDU
// shared by FC03/FC04 requests (no unit id, no framing).
func encodeReadRequestPDU(functionCode byte, address, quantity uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = functionCode
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], quantity)
	return pdu
}

// ---- Modbus-TCP (MBAP) ----

// MBAPHeader is the 7-byte Modbus Application Protocol header prefixing
// every Modbus-TCP ADU.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // unit id + PDU bytes that follow
	UnitID        uint8
}

func (h MBAPHeader) Marshal() []byte {
	buf := make([]byte, 7)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = h.UnitID
	return buf
}

func UnmarshalMBAPHeader(b []byte) (MBAPHeader, error) {
	if len(b) != 7 {
		return MBAPHeader{}, fmt.Errorf("modbus: MBAP header must be 7 bytes, got %d", len(b))
	}
	h := MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(b[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(b[2:4]),
		Length:        binary.BigEndian.Uint16(b[4:6]),
		UnitID:        b[6],
	}
	if h.ProtocolID != 0 {
		return MBAPHeader{}, fmt.Errorf("modbus: invalid protocol id %d", h.ProtocolID)
	}
	if h.Length < 2 {
		return MBAPHeader{}, fmt.Errorf("modbus: invalid MBAP length %d", h.Length)
	}
	return h, nil
}

// EncodeTCPReadRequest builds a full Modbus-TCP ADU (MBAP + PDU) for an
// FC03/FC04 read, with the given monotonically-increasing transaction id.
func EncodeTCPReadRequest(transactionID uint16, unitID uint8, functionCode byte, address, quantity uint16) []byte {
	pdu := encodeReadRequestPDU(functionCode, address, quantity)
	header := MBAPHeader{
		TransactionID: transactionID,
		ProtocolID:    0,
		Length:        uint16(1 + len(pdu)),
		UnitID:        unitID,
	}
	out := header.Marshal()
	out = append(out, pdu...)
	return out
}

// DecodeResponsePDU parses the PDU (function code onward) of a Modbus
// response (TCP or RTU), given the requested function code, returning
// the raw register bytes or a *ModbusException.
func DecodeResponsePDU(requestedFunction byte, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("modbus: empty response PDU")
	}
	fc := pdu[0]
	if fc == requestedFunction|exceptionBit {
		if len(pdu) < 2 {
			return nil, fmt.Errorf("modbus: truncated exception response")
		}
		return nil, &ModbusException{Function: requestedFunction, Code: pdu[1]}
	}
	if fc != requestedFunction {
		return nil, fmt.Errorf("modbus: unexpected function code 0x%02x (wanted 0x%02x)", fc, requestedFunction)
	}
	if len(pdu) < 2 {
		return nil, fmt.Errorf("modbus: truncated response")
	}
	byteCount := int(pdu[1])
	data := pdu[2:]
	if len(data) != byteCount {
		return nil, fmt.Errorf("modbus: response byte count %d does not match payload length %d", byteCount, len(data))
	}
	return data, nil
}

// ---- Modbus-RTU ----

// CRC16 computes the Modbus CRC-16 (polynomial 0xA001, little-endian on
// the wire) over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// EncodeRTUReadRequest builds a full Modbus-RTU frame: slave id + PDU + CRC16.
func EncodeRTUReadRequest(slaveID uint8, functionCode byte, address, quantity uint16) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, slaveID)
	frame = append(frame, encodeReadRequestPDU(functionCode, address, quantity)...)
	crc := CRC16(frame)
	crcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(crcBytes, crc)
	return append(frame, crcBytes...)
}

// DecodeRTUResponse validates the CRC of a full RTU response frame and
// returns the register bytes, applying the same exception/byte-count
// checks as the TCP path.
func DecodeRTUResponse(requestedFunction byte, frame []byte) ([]byte, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("modbus: RTU frame too short: %d bytes", len(frame))
	}
	body, crcBytes := frame[:len(frame)-2], frame[len(frame)-2:]
	want := binary.LittleEndian.Uint16(crcBytes)
	got := CRC16(body)
	if want != got {
		return nil, fmt.Errorf("modbus: RTU CRC mismatch: frame says 0x%04x, computed 0x%04x", want, got)
	}
	// body[0] is the slave id; the rest is the PDU.
	return DecodeResponsePDU(requestedFunction, body[1:])
}
