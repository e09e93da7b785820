package rfbserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is the version token the server sends. Older clients are
// negotiated down to 3.8 behaviour.
const ProtocolVersion = "RFB 003.008\n"

// acceptedVersions are the client version tokens the server tolerates.
var acceptedVersions = map[string]bool{
	"RFB 003.003\n": true,
	"RFB 003.007\n": true,
	"RFB 003.008\n": true,
}

// DefaultServerVersionHandler handles protocol version negotiation for the
// server side.
type DefaultServerVersionHandler struct{}

// Handle sends the server's version and reads the client's.
func (h *DefaultServerVersionHandler) Handle(c Conn) error {
	if _, err := c.Write([]byte(ProtocolVersion)); err != nil {
		return fmt.Errorf("failed to write server version: %w", err)
	}
	if err := c.Flush(); err != nil {
		return err
	}

	var clientVersion [12]byte
	if _, err := io.ReadFull(c, clientVersion[:]); err != nil {
		return fmt.Errorf("failed to read client version: %w", err)
	}
	v := string(clientVersion[:])
	if !acceptedVersions[v] {
		return protocolErrorf("unsupported client version %q", v)
	}
	c.SetProtoVersion(v)
	return nil
}

// DefaultServerSecurityHandler handles security negotiation for the server
// side: it offers the configured types, reads the client's choice and runs
// that type's authentication.
type DefaultServerSecurityHandler struct{}

// Handle sends supported security types and authenticates the client.
func (h *DefaultServerSecurityHandler) Handle(c Conn) error {
	cfg, ok := c.Config().(*ServerConfig)
	if !ok {
		return errors.New("invalid connection config type for server")
	}

	msg := make([]byte, 0, 1+len(cfg.SecurityHandlers))
	msg = append(msg, uint8(len(cfg.SecurityHandlers)))
	for _, handler := range cfg.SecurityHandlers {
		msg = append(msg, byte(handler.Type()))
	}
	if _, err := c.Write(msg); err != nil {
		return fmt.Errorf("failed to write security types: %w", err)
	}
	if err := c.Flush(); err != nil {
		return err
	}

	var clientChoice [1]byte
	if _, err := io.ReadFull(c, clientChoice[:]); err != nil {
		return fmt.Errorf("failed to read client security choice: %w", err)
	}

	for _, handler := range cfg.SecurityHandlers {
		if handler.Type() == SecurityType(clientChoice[0]) {
			c.SetSecurityHandler(handler)
			return handler.Authenticate(c)
		}
	}

	writeSecurityFailure(c, "unsupported security type")
	return protocolErrorf("client chose an unsupported security type %d", clientChoice[0])
}

// writeSecurityFailure sends the RFB failure status with a reason string.
// Errors are ignored; the connection is closing anyway.
func writeSecurityFailure(c Conn, reason string) {
	msg := make([]byte, 0, 8+len(reason))
	msg = binary.BigEndian.AppendUint32(msg, 1)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(reason)))
	msg = append(msg, reason...)
	if _, err := c.Write(msg); err != nil {
		return
	}
	c.Flush()
}

// DefaultServerClientInitHandler reads the ClientInit message. The shared
// flag is accepted but not enforced; concurrent clients are always permitted.
type DefaultServerClientInitHandler struct{}

// Handle reads the client's shared flag.
func (h *DefaultServerClientInitHandler) Handle(c Conn) error {
	var sharedFlag [1]byte
	if _, err := io.ReadFull(c, sharedFlag[:]); err != nil {
		return fmt.Errorf("failed to read client init: %w", err)
	}
	return nil
}

// DefaultServerServerInitHandler sends the ServerInit message: framebuffer
// dimensions, the server pixel format and the desktop name.
type DefaultServerServerInitHandler struct{}

// Handle sends the server's framebuffer info to the client.
func (h *DefaultServerServerInitHandler) Handle(c Conn) error {
	pf, err := c.PixelFormat().Marshal()
	if err != nil {
		return err
	}
	name := c.DesktopName()

	msg := make([]byte, 0, 4+len(pf)+4+len(name))
	msg = binary.BigEndian.AppendUint16(msg, c.Width())
	msg = binary.BigEndian.AppendUint16(msg, c.Height())
	msg = append(msg, pf...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(name)))
	msg = append(msg, name...)

	if _, err := c.Write(msg); err != nil {
		return fmt.Errorf("failed to write server init: %w", err)
	}
	return c.Flush()
}
