package modbus

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// S2: the Modbus-RTU frame for slave=1, FC=3, addr=0, count=2 is
// 01 03 00 00 00 02 C4 0B.
func TestEncodeRTUReadRequest_S2(t *testing.T) {
	frame := EncodeRTUReadRequest(1, FuncReadHoldingRegisters, 0, 2)
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC4, 0x0B}
	require.Equal(t, want, frame)
}

func TestDecodeRTUResponse_S2(t *testing.T) {
	// Response body: slave(1) fc(3) bytecount(4) data(0x12345678), + CRC.
	body := []byte{0x01, 0x03, 0x04, 0x12, 0x34, 0x56, 0x78}
	crc := CRC16(body)
	crcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(crcBytes, crc)
	frame := append(append([]byte{}, body...), crcBytes...)

	data, err := DecodeRTUResponse(FuncReadHoldingRegisters, frame)
	require.NoError(t, err)
	require.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, data)

	v := binary.BigEndian.Uint32(data)
	require.Equal(t, uint32(0x12345678), v)
	require.Equal(t, uint32(305419896), v)
}

func TestDecodeRTUResponse_BadCRC(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x02, 0x00, 0x01, 0xFF, 0xFF}
	_, err := DecodeRTUResponse(FuncReadHoldingRegisters, frame)
	require.Error(t, err)
}

func TestDecodeResponsePDU_Exception(t *testing.T) {
	pdu := []byte{0x03 | 0x80, 0x02}
	_, err := DecodeResponsePDU(FuncReadHoldingRegisters, pdu)
	require.Error(t, err)
	var me *ModbusException
	require.ErrorAs(t, err, &me)
	require.Equal(t, byte(0x02), me.Code)
}

func TestEncodeTCPReadRequest_MBAP(t *testing.T) {
	adu := EncodeTCPReadRequest(7, 1, FuncReadHoldingRegisters, 100, 11)
	require.Len(t, adu, 7+5)
	hdr, err := UnmarshalMBAPHeader(adu[:7])
	require.NoError(t, err)
	require.Equal(t, uint16(7), hdr.TransactionID)
	require.Equal(t, uint16(0), hdr.ProtocolID)
	require.Equal(t, uint16(6), hdr.Length)
	require.Equal(t, uint8(1), hdr.UnitID)
}
