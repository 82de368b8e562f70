// Package driver implements the MZHV control-device protocol
// (spec.md §4.7): OS-visible name "MZHV", control codes MAP (function
// 0x1337) and UNMAP (function 0x2137). Real systems expose this as an
// IOCTL-dispatched kernel device; this repository has no kernel driver
// to host it in, so the control device is simulated over a local Unix
// domain socket using the same length-prefixed header/encoder wire
// format the teacher's bindings/c/ipc package uses for its cc-helper
// protocol.
package driver

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types. MsgMap and MsgUnmap reuse the IOCTL function codes
// spec.md §4.7 assigns to the real control device; MsgResponse and
// MsgError occupy the 0xFFxx range the same way the teacher's protocol
// reserves it for replies.
const (
	MsgMap      uint16 = 0x1337
	MsgUnmap    uint16 = 0x2137
	MsgResponse uint16 = 0xFF00
	MsgError    uint16 = 0xFF01
)

// Wire format: [2 bytes type, big endian][4 bytes payload length, big
// endian][payload].

// Header is a message header.
type Header struct {
	Type   uint16
	Length uint32
}

// HeaderSize is the header's on-wire size in bytes.
const HeaderSize = 6

// ReadHeader reads a Header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:   binary.BigEndian.Uint16(buf[0:2]),
		Length: binary.BigEndian.Uint32(buf[2:6]),
	}, nil
}

// WriteHeader writes h to w.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// Encoder writes a request or response payload.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte { return e.buf }

// Uint8 appends a uint8.
func (e *Encoder) Uint8(v uint8) { e.buf = append(e.buf, v) }

// Uint64 appends a uint64, big endian.
func (e *Encoder) Uint64(v uint64) {
	e.buf = append(e.buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// String appends a length-prefixed string.
func (e *Encoder) String(s string) {
	e.buf = append(e.buf, byte(len(s)>>24), byte(len(s)>>16), byte(len(s)>>8), byte(len(s)))
	e.buf = append(e.buf, s...)
}

// Decoder reads a request or response payload.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a Decoder over buf.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// Uint64 reads a uint64, big endian.
func (d *Decoder) Uint64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// String reads a length-prefixed string.
func (d *Decoder) String() (string, error) {
	if d.pos+4 > len(d.buf) {
		return "", io.ErrUnexpectedEOF
	}
	length := int(binary.BigEndian.Uint32(d.buf[d.pos:]))
	d.pos += 4
	if d.pos+length > len(d.buf) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(d.buf[d.pos : d.pos+length])
	d.pos += length
	return s, nil
}

// Error codes returned in a Status payload, modeled on spec.md §7's
// failure taxonomy (class 2 invalid-request, class 4 fatal).
const (
	ErrCodeOK                = 0
	ErrCodeInvalidArgument   = 1
	ErrCodeCapacity          = 2
	ErrCodeAlias             = 3
	ErrCodeNotFound          = 4
	ErrCodeFatal             = 5
	ErrCodeUnknown           = 99
)

// DriverError is returned by Client.Map/Unmap when the server reports a
// MsgError response.
type DriverError struct {
	Code    uint8
	Message string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver: code %d: %s", e.Code, e.Message)
}

func encodeError(enc *Encoder, code uint8, message string) {
	enc.Uint8(code)
	enc.String(message)
}

func decodeError(dec *Decoder) (*DriverError, error) {
	code, err := dec.Uint8()
	if err != nil {
		return nil, err
	}
	msg, err := dec.String()
	if err != nil {
		return nil, err
	}
	return &DriverError{Code: code, Message: msg}, nil
}
