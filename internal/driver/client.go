package driver

import (
	"fmt"
	"io"
	"net"
	"sync"
)

// Client is a connection to a running Server, used by cmd/mzhvctl to
// issue MAP/UNMAP control codes. Grounded on the teacher's
// internal/ipc.Client synchronous Call pattern.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

// Dial connects to the control device's socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("driver: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the client's connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Map issues the MAP control code (function 0x1337): install a split
// R/W-vs-Fetch mapping for originalVA, routing data accesses to rwVA
// and instruction fetches to fetchVA.
func (c *Client) Map(originalVA, rwVA, fetchVA uint64) error {
	enc := NewEncoder()
	enc.Uint64(originalVA)
	enc.Uint64(rwVA)
	enc.Uint64(fetchVA)
	_, err := c.call(MsgMap, enc.Bytes())
	return err
}

// Unmap issues the UNMAP control code (function 0x2137): remove the
// mapping installed for originalVA and restore its identity mapping.
func (c *Client) Unmap(originalVA uint64) error {
	enc := NewEncoder()
	enc.Uint64(originalVA)
	_, err := c.call(MsgUnmap, enc.Bytes())
	return err
}

func (c *Client) call(msgType uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteHeader(c.conn, Header{Type: msgType, Length: uint32(len(payload))}); err != nil {
		return nil, fmt.Errorf("driver: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return nil, fmt.Errorf("driver: write payload: %w", err)
		}
	}

	respHeader, err := ReadHeader(c.conn)
	if err != nil {
		return nil, fmt.Errorf("driver: read response header: %w", err)
	}
	respPayload := make([]byte, respHeader.Length)
	if respHeader.Length > 0 {
		if _, err := io.ReadFull(c.conn, respPayload); err != nil {
			return nil, fmt.Errorf("driver: read response payload: %w", err)
		}
	}

	if respHeader.Type == MsgError {
		driverErr, err := decodeError(NewDecoder(respPayload))
		if err != nil {
			return nil, fmt.Errorf("driver: decode error response: %w", err)
		}
		return nil, driverErr
	}

	return respPayload, nil
}
