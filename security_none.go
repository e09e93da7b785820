package rfbserver

import "encoding/binary"

// SecurityNone implements the None security type: no authentication, only
// the SecurityResult status required by protocol 3.8.
type SecurityNone struct{}

// Type returns the security type identifier.
func (s *SecurityNone) Type() SecurityType {
	return SecTypeNone
}

// Authenticate sends the success status to the client.
func (s *SecurityNone) Authenticate(c Conn) error {
	if err := binary.Write(c, binary.BigEndian, uint32(0)); err != nil {
		return err
	}
	return c.Flush()
}
