package control

import (
	"io"
	"net"
	"syscall"

	"github.com/finitd-project/finitd/pkg/service"
)

// Connection is a single control client session. Every command that
// touches the registry is marshaled onto the supervisor's single event
// loop goroutine via Server.onLoop and waited on synchronously here; the
// connection goroutine itself only does blocking socket I/O.
type Connection struct {
	server *Server
	conn   net.Conn
}

func newConnection(server *Server, conn net.Conn) *Connection {
	return &Connection{server: server, conn: conn}
}

func (c *Connection) close() {
	c.conn.Close()
}

func (c *Connection) serve() {
	defer c.close()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		default:
		}

		cmd, payload, err := ReadPacket(c.conn)
		if err != nil {
			if err != io.EOF {
				c.server.logger.Warn("control connection read error: %v", err)
			}
			return
		}

		if err := c.dispatch(cmd, payload); err != nil {
			c.server.logger.Warn("control command dispatch error: %v", err)
			return
		}
	}
}

func (c *Connection) dispatch(cmd uint8, payload []byte) error {
	switch cmd {
	case CmdQueryVersion:
		return c.handleQueryVersion()
	case CmdListServices:
		return c.handleListServices()
	case CmdStatus:
		return c.handleStatus(payload)
	case CmdStart:
		return c.handleStart(payload)
	case CmdStop:
		return c.handleStop(payload)
	case CmdRestart:
		return c.handleRestart(payload)
	case CmdSignal:
		return c.handleSignal(payload)
	case CmdSetRunlevel:
		return c.handleSetRunlevel(payload)
	case CmdReload:
		return c.handleReload()
	case CmdShutdown:
		return c.handleShutdown(payload)
	case CmdCatLog:
		return c.handleCatLog(payload)
	case CmdUnblock:
		return c.handleUnblock(payload)
	default:
		return WritePacket(c.conn, RplyBadReq, nil)
	}
}

func (c *Connection) handleQueryVersion() error {
	payload := make([]byte, 2)
	payload[0] = byte(ProtocolVersion)
	payload[1] = byte(ProtocolVersion >> 8)
	return WritePacket(c.conn, RplyCPVersion, payload)
}

func (c *Connection) handleListServices() error {
	var infos []ServiceStatusInfo
	c.server.onLoop(func() {
		for _, r := range c.server.registry.All() {
			infos = append(infos, StatusOf(r))
		}
	})
	for _, info := range infos {
		if err := WritePacket(c.conn, RplySvcInfo, EncodeServiceStatus(info)); err != nil {
			return err
		}
	}
	return WritePacket(c.conn, RplyListDone, nil)
}

func (c *Connection) handleStatus(payload []byte) error {
	id, _, err := DecodeServiceRef(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}
	var info ServiceStatusInfo
	found := false
	c.server.onLoop(func() {
		if r, ok := c.server.registry.Get(id); ok {
			info = StatusOf(r)
			found = true
		}
	})
	if !found {
		return WritePacket(c.conn, RplyNoService, nil)
	}
	return WritePacket(c.conn, RplyServiceStatus, EncodeServiceStatus(info))
}

func (c *Connection) handleStart(payload []byte) error {
	id, _, err := DecodeServiceRef(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}
	found := false
	c.server.onLoop(func() {
		r, ok := c.server.registry.Get(id)
		if !ok {
			return
		}
		found = true
		r.Block = service.BlockNone
		r.Pinned = false
		if !r.Enabled {
			r.Enabled = true
			c.server.registry.Notify(r, service.EventEnable, service.EventPayload{})
		}
	})
	if !found {
		return WritePacket(c.conn, RplyNoService, nil)
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleStop(payload []byte) error {
	id, _, err := DecodeServiceRef(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}
	found := false
	c.server.onLoop(func() {
		r, ok := c.server.registry.Get(id)
		if !ok {
			return
		}
		found = true
		r.Block = service.BlockManual
		r.Pinned = true
		if r.Enabled {
			r.Enabled = false
			c.server.registry.Notify(r, service.EventDisable, service.EventPayload{})
		}
	})
	if !found {
		return WritePacket(c.conn, RplyNoService, nil)
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleRestart(payload []byte) error {
	id, _, err := DecodeServiceRef(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}
	found := false
	c.server.onLoop(func() {
		r, ok := c.server.registry.Get(id)
		if !ok {
			return
		}
		found = true
		r.Block = service.BlockNone
		r.Pinned = false
		c.server.registry.Notify(r, service.EventDisable, service.EventPayload{})
		r.Enabled = true
		c.server.registry.Notify(r, service.EventEnable, service.EventPayload{})
	})
	if !found {
		return WritePacket(c.conn, RplyNoService, nil)
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleUnblock(payload []byte) error {
	id, _, err := DecodeServiceRef(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}
	found := false
	c.server.onLoop(func() {
		r, ok := c.server.registry.Get(id)
		if !ok {
			return
		}
		found = true
		r.Block = service.BlockNone
		r.RestartCnt = 0
		r.Once = 0
		c.server.registry.Mark(r)
	})
	if !found {
		return WritePacket(c.conn, RplyNoService, nil)
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleSignal(payload []byte) error {
	id, n, err := DecodeServiceRef(payload)
	if err != nil || len(payload) < n+4 {
		return WritePacket(c.conn, RplyBadReq, nil)
	}
	sig := syscall.Signal(int32(payload[n]) | int32(payload[n+1])<<8 | int32(payload[n+2])<<16 | int32(payload[n+3])<<24)

	var pid int
	found := false
	c.server.onLoop(func() {
		if r, ok := c.server.registry.Get(id); ok {
			found = true
			pid = r.PID
		}
	})
	if !found {
		return WritePacket(c.conn, RplyNoService, nil)
	}
	if pid <= 1 {
		return WritePacket(c.conn, RplyNAK, nil)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return WritePacket(c.conn, RplyNAK, []byte(err.Error()))
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleSetRunlevel(payload []byte) error {
	if len(payload) < 1 {
		return WritePacket(c.conn, RplyBadReq, nil)
	}
	level := int(int8(payload[0]))
	if c.server.SetRunlevelFunc == nil {
		return WritePacket(c.conn, RplyNAK, nil)
	}
	var err error
	c.server.onLoop(func() { err = c.server.SetRunlevelFunc(level) })
	if err != nil {
		return WritePacket(c.conn, RplyNAK, []byte(err.Error()))
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleReload() error {
	if c.server.ReloadFunc == nil {
		return WritePacket(c.conn, RplyNAK, nil)
	}
	var err error
	c.server.onLoop(func() { err = c.server.ReloadFunc() })
	if err != nil {
		return WritePacket(c.conn, RplyNAK, []byte(err.Error()))
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleShutdown(payload []byte) error {
	if len(payload) < 1 {
		return WritePacket(c.conn, RplyBadReq, nil)
	}
	shutType := service.ShutdownType(payload[0])
	if c.server.ShutdownFunc != nil {
		c.server.onLoop(func() { c.server.ShutdownFunc(shutType) })
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleCatLog(payload []byte) error {
	id, _, err := DecodeServiceRef(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}
	if c.server.logSource == nil {
		return WritePacket(c.conn, RplyNoService, nil)
	}
	lb, ok := c.server.logSource.LogBuffer(id)
	if !ok {
		return WritePacket(c.conn, RplyNoService, nil)
	}
	data := lb.GetBuffer()
	const chunk = 4096
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		if err := WritePacket(c.conn, RplyLogLine, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return WritePacket(c.conn, RplyLogDone, nil)
}
