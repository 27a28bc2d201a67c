package modbus

import (
	"encoding/binary"
	"fmt"
)

const (
	// FuncReadHoldingRegisters is the only function code this driver speaks
	FuncReadHoldingRegisters byte = 0x03

	exceptionBit byte = 0x80

	requestFrameLen   = 8
	exceptionFrameLen = 5

	MinSlaveAddress = 1
	MaxSlaveAddress = 247
	MaxRegisterRead = 125
)

// CRC16 computes the Modbus RTU checksum (init 0xFFFF, reflected polynomial 0xA001)
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the checksum of frame in little-endian order
func appendCRC(frame []byte) []byte {
	return binary.LittleEndian.AppendUint16(frame, CRC16(frame))
}

// checkCRC reports whether the trailing two bytes match the checksum of the rest
func checkCRC(frame []byte) (calc, recv uint16, ok bool) {
	n := len(frame)
	calc = CRC16(frame[:n-2])
	recv = binary.LittleEndian.Uint16(frame[n-2:])
	return calc, recv, calc == recv
}

func validateRequest(slave byte, start, count uint16) error {
	if slave < MinSlaveAddress || slave > MaxSlaveAddress {
		return fmt.Errorf("slave address %d out of range %d-%d", slave, MinSlaveAddress, MaxSlaveAddress)
	}
	if count < 1 || count > MaxRegisterRead {
		return fmt.Errorf("register count %d out of range 1-%d", count, MaxRegisterRead)
	}
	if int(start)+int(count) > 0x10000 {
		return fmt.Errorf("register range 0x%04X+%d exceeds address space", start, count)
	}
	return nil
}

// EncodeReadHoldingRegisters builds a function 0x03 request frame:
// [slave][0x03][start BE][count BE][CRC LE]
func EncodeReadHoldingRegisters(slave byte, start, count uint16) ([]byte, error) {
	if err := validateRequest(slave, start, count); err != nil {
		return nil, err
	}
	frame := make([]byte, 0, requestFrameLen)
	frame = append(frame, slave, FuncReadHoldingRegisters)
	frame = binary.BigEndian.AppendUint16(frame, start)
	frame = binary.BigEndian.AppendUint16(frame, count)
	return appendCRC(frame), nil
}

// DecodeReadHoldingRegisters parses a request frame produced by EncodeReadHoldingRegisters.
// It is what a slave does with the request, and lets tests and simulators check frames.
func DecodeReadHoldingRegisters(frame []byte) (slave byte, start, count uint16, err error) {
	if len(frame) != requestFrameLen {
		return 0, 0, 0, protocolErrorf("request frame length %d, want %d", len(frame), requestFrameLen)
	}
	if calc, recv, ok := checkCRC(frame); !ok {
		return 0, 0, 0, protocolErrorf("invalid CRC (calc=0x%04X, recv=0x%04X)", calc, recv)
	}
	if frame[1] != FuncReadHoldingRegisters {
		return 0, 0, 0, protocolErrorf("unexpected function 0x%02X", frame[1])
	}
	slave = frame[0]
	start = binary.BigEndian.Uint16(frame[2:4])
	count = binary.BigEndian.Uint16(frame[4:6])
	if err := validateRequest(slave, start, count); err != nil {
		return 0, 0, 0, protocolErrorf("%v", err)
	}
	return slave, start, count, nil
}

// EncodeReadHoldingResponse builds the slave's reply carrying values
func EncodeReadHoldingResponse(slave byte, values []uint16) []byte {
	frame := make([]byte, 0, 5+2*len(values))
	frame = append(frame, slave, FuncReadHoldingRegisters, byte(2*len(values)))
	for _, v := range values {
		frame = binary.BigEndian.AppendUint16(frame, v)
	}
	return appendCRC(frame)
}

// EncodeExceptionResponse builds a Modbus exception reply for function 0x03
func EncodeExceptionResponse(slave, code byte) []byte {
	return appendCRC([]byte{slave, FuncReadHoldingRegisters | exceptionBit, code})
}

// expectedResponseLen is the full response size for count registers
func expectedResponseLen(count uint16) int {
	return 5 + 2*int(count)
}

// ParseReadHoldingResponse validates a function 0x03 response, in order: minimum length,
// CRC, slave address, function code (or exception), byte count. Any failure is a
// protocol error; it never returns partially decoded values.
func ParseReadHoldingResponse(resp []byte, slave byte, count uint16) ([]uint16, error) {
	minLen := expectedResponseLen(count)
	if len(resp) >= 2 && resp[1]&exceptionBit != 0 {
		minLen = exceptionFrameLen
	}
	if len(resp) < minLen {
		return nil, protocolErrorf("short response (%d bytes, want %d)", len(resp), minLen)
	}
	if calc, recv, ok := checkCRC(resp); !ok {
		return nil, protocolErrorf("invalid CRC (calc=0x%04X, recv=0x%04X)", calc, recv)
	}
	payload := resp[:len(resp)-2]
	if payload[0] != slave {
		return nil, protocolErrorf("unexpected slave %d, want %d", payload[0], slave)
	}
	if payload[1] != FuncReadHoldingRegisters {
		if payload[1]&exceptionBit != 0 {
			return nil, &TransportError{
				Kind:          KindProtocol,
				Reason:        fmt.Sprintf("modbus exception 0x%02X, code %d", payload[1], payload[2]),
				ExceptionCode: payload[2],
			}
		}
		return nil, protocolErrorf("unexpected function 0x%02X", payload[1])
	}
	byteCount := int(payload[2])
	if byteCount != 2*int(count) {
		return nil, protocolErrorf("unexpected byte count (%d != %d)", byteCount, 2*int(count))
	}
	if len(payload) < 3+byteCount {
		return nil, protocolErrorf("truncated register data")
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(payload[3+2*i:])
	}
	return values, nil
}
