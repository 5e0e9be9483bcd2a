// Package wire defines the on-the-wire shapes shared between the guest-side
// network stack and the host-side reactor: net-ring record types and their
// payload encodings (spec §3, §6).
package wire

import (
	"encoding/binary"
	"fmt"
)

// RecordType is the third byte of a net-ring record, identifying the shape
// of its payload.
type RecordType uint8

const (
	TCPConnected RecordType = 1
	TCPData      RecordType = 2
	TCPEnd       RecordType = 3
	TCPError     RecordType = 4
	TCPClose     RecordType = 5
	UDPRecv      RecordType = 6
)

func (t RecordType) String() string {
	switch t {
	case TCPConnected:
		return "TCP_CONNECTED"
	case TCPData:
		return "TCP_DATA"
	case TCPEnd:
		return "TCP_END"
	case TCPError:
		return "TCP_ERROR"
	case TCPClose:
		return "TCP_CLOSE"
	case UDPRecv:
		return "UDP_RECV"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// HeaderSize is the fixed len|type prefix of every net-ring record.
const HeaderSize = 3

// MaxPayload bounds a single record so len fits in the u16 length prefix.
const MaxPayload = 1<<16 - 1

// EncodeHeader writes the len|type header for a payload of the given length.
func EncodeHeader(dst []byte, payloadLen int, typ RecordType) {
	binary.LittleEndian.PutUint16(dst[0:2], uint16(payloadLen))
	dst[2] = byte(typ)
}

// DecodeHeader reads the len|type header, returning payload length and type.
func DecodeHeader(src []byte) (payloadLen int, typ RecordType) {
	return int(binary.LittleEndian.Uint16(src[0:2])), RecordType(src[2])
}

// EncodeKeyOnly builds the payload for TCP_CONNECTED, TCP_END and TCP_CLOSE:
// just the flow key as UTF-8.
func EncodeKeyOnly(key string) []byte {
	return []byte(key)
}

// DecodeKeyOnly parses the payload of TCP_CONNECTED, TCP_END or TCP_CLOSE.
func DecodeKeyOnly(payload []byte) (string, error) {
	return string(payload), nil
}

// EncodeTCPData builds the payload for TCP_DATA: u8 keyLen | key | data.
func EncodeTCPData(key string, data []byte) ([]byte, error) {
	if len(key) > 255 {
		return nil, fmt.Errorf("wire: key too long for TCP_DATA: %d bytes", len(key))
	}
	out := make([]byte, 1+len(key)+len(data))
	out[0] = byte(len(key))
	copy(out[1:], key)
	copy(out[1+len(key):], data)
	return out, nil
}

// DecodeTCPData parses the payload of TCP_DATA.
func DecodeTCPData(payload []byte) (key string, data []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("wire: short TCP_DATA payload")
	}
	keyLen := int(payload[0])
	if len(payload) < 1+keyLen {
		return "", nil, fmt.Errorf("wire: truncated TCP_DATA key")
	}
	return string(payload[1 : 1+keyLen]), payload[1+keyLen:], nil
}

// EncodeTCPError builds the payload for TCP_ERROR: u8 keyLen | key | error_utf8.
func EncodeTCPError(key, errMsg string) ([]byte, error) {
	if len(key) > 255 {
		return nil, fmt.Errorf("wire: key too long for TCP_ERROR: %d bytes", len(key))
	}
	out := make([]byte, 1+len(key)+len(errMsg))
	out[0] = byte(len(key))
	copy(out[1:], key)
	copy(out[1+len(key):], errMsg)
	return out, nil
}

// DecodeTCPError parses the payload of TCP_ERROR.
func DecodeTCPError(payload []byte) (key, errMsg string, err error) {
	if len(payload) < 1 {
		return "", "", fmt.Errorf("wire: short TCP_ERROR payload")
	}
	keyLen := int(payload[0])
	if len(payload) < 1+keyLen {
		return "", "", fmt.Errorf("wire: truncated TCP_ERROR key")
	}
	return string(payload[1 : 1+keyLen]), string(payload[1+keyLen:]), nil
}

// UDPRecvPayload is the parsed shape of a UDP_RECV record.
type UDPRecvPayload struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
	Data    []byte
}

// EncodeUDPRecv builds the payload for UDP_RECV:
// u8 srcIPLen | srcIP | u16le srcPort | u8 dstIPLen | dstIP | u16le dstPort | data.
func EncodeUDPRecv(p UDPRecvPayload) ([]byte, error) {
	if len(p.SrcIP) > 255 || len(p.DstIP) > 255 {
		return nil, fmt.Errorf("wire: IP string too long for UDP_RECV")
	}
	size := 1 + len(p.SrcIP) + 2 + 1 + len(p.DstIP) + 2 + len(p.Data)
	out := make([]byte, size)
	i := 0
	out[i] = byte(len(p.SrcIP))
	i++
	i += copy(out[i:], p.SrcIP)
	binary.LittleEndian.PutUint16(out[i:], p.SrcPort)
	i += 2
	out[i] = byte(len(p.DstIP))
	i++
	i += copy(out[i:], p.DstIP)
	binary.LittleEndian.PutUint16(out[i:], p.DstPort)
	i += 2
	copy(out[i:], p.Data)
	return out, nil
}

// DecodeUDPRecv parses the payload of UDP_RECV.
func DecodeUDPRecv(payload []byte) (UDPRecvPayload, error) {
	var p UDPRecvPayload
	if len(payload) < 1 {
		return p, fmt.Errorf("wire: short UDP_RECV payload")
	}
	i := 0
	srcLen := int(payload[i])
	i++
	if len(payload) < i+srcLen+2 {
		return p, fmt.Errorf("wire: truncated UDP_RECV src")
	}
	p.SrcIP = string(payload[i : i+srcLen])
	i += srcLen
	p.SrcPort = binary.LittleEndian.Uint16(payload[i:])
	i += 2
	if len(payload) < i+1 {
		return p, fmt.Errorf("wire: truncated UDP_RECV dst len")
	}
	dstLen := int(payload[i])
	i++
	if len(payload) < i+dstLen+2 {
		return p, fmt.Errorf("wire: truncated UDP_RECV dst")
	}
	p.DstIP = string(payload[i : i+dstLen])
	i += dstLen
	p.DstPort = binary.LittleEndian.Uint16(payload[i:])
	i += 2
	p.Data = payload[i:]
	return p, nil
}
