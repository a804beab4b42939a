// Package control implements finitd's control socket protocol: the wire
// format finitctl uses to query and command a running supervisor over a
// Unix domain socket. The packet framing (length-prefixed binary records)
// follows the teacher's pkg/control/protocol.go; the command/reply set is
// entirely different, addressed by service name/tag rather than the
// teacher's client-allocated handle table, since finitctl issues one
// request per invocation rather than holding a long-lived session.
package control

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/finitd-project/finitd/pkg/service"
)

// ProtocolVersion identifies the wire format below; the server reports it
// in reply to CmdQueryVersion. finitctl does not query or check it.
const ProtocolVersion uint16 = 1

// Command codes (client -> server).
const (
	CmdQueryVersion uint8 = 0
	CmdListServices uint8 = 1
	CmdStatus       uint8 = 2
	CmdStart        uint8 = 3
	CmdStop         uint8 = 4
	CmdRestart      uint8 = 5
	CmdSignal       uint8 = 6
	CmdSetRunlevel  uint8 = 7
	CmdReload       uint8 = 8
	CmdShutdown     uint8 = 9
	CmdCatLog       uint8 = 10
	CmdUnblock      uint8 = 11
)

// Reply codes (server -> client).
const (
	RplyACK           uint8 = 50
	RplyNAK           uint8 = 51
	RplyBadReq        uint8 = 52
	RplyCPVersion     uint8 = 53
	RplyNoService     uint8 = 54
	RplyServiceStatus uint8 = 55
	RplySvcInfo       uint8 = 56
	RplyListDone      uint8 = 57
	RplyLogLine       uint8 = 58
	RplyLogDone       uint8 = 59
	RplyShuttingDown  uint8 = 60
)

// MaxPayloadSize bounds a single packet's payload; a catlog reply streams
// as many RplyLogLine packets as needed rather than one oversized packet.
const MaxPayloadSize = 65535

// WritePacket writes [type(1)][payloadLen(2)][payload(N)].
func WritePacket(w io.Writer, pktType uint8, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d > %d", len(payload), MaxPayloadSize)
	}
	hdr := [3]byte{pktType}
	binary.LittleEndian.PutUint16(hdr[1:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadPacket reads [type(1)][payloadLen(2)][payload(N)].
func ReadPacket(r io.Reader) (pktType uint8, payload []byte, err error) {
	var hdr [3]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	pktType = hdr[0]
	pLen := binary.LittleEndian.Uint16(hdr[1:])
	if pLen > 0 {
		payload = make([]byte, pLen)
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return pktType, payload, nil
}

// EncodeServiceRef encodes a service.ID as [cmdLen(2)][cmd(N)][tagLen(2)][tag(M)].
func EncodeServiceRef(id service.ID) []byte {
	b := make([]byte, 2+len(id.Command)+2+len(id.Tag))
	binary.LittleEndian.PutUint16(b, uint16(len(id.Command)))
	copy(b[2:], id.Command)
	off := 2 + len(id.Command)
	binary.LittleEndian.PutUint16(b[off:], uint16(len(id.Tag)))
	copy(b[off+2:], id.Tag)
	return b
}

// DecodeServiceRef decodes a service.ID and returns the bytes consumed.
func DecodeServiceRef(data []byte) (service.ID, int, error) {
	if len(data) < 2 {
		return service.ID{}, 0, fmt.Errorf("data too short for service ref")
	}
	cmdLen := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+cmdLen+2 {
		return service.ID{}, 0, fmt.Errorf("data too short for service ref command")
	}
	cmd := string(data[2 : 2+cmdLen])
	off := 2 + cmdLen
	tagLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if len(data) < off+tagLen {
		return service.ID{}, 0, fmt.Errorf("data too short for service ref tag")
	}
	tag := string(data[off : off+tagLen])
	return service.ID{Command: cmd, Tag: tag}, off + tagLen, nil
}

// ServiceStatusInfo is the wire form of a Record's externally visible
// status, reported by CmdStatus and streamed by CmdListServices.
type ServiceStatusInfo struct {
	ID         service.ID
	Kind       service.Kind
	State      service.State
	Block      service.Block
	PID        int32
	RestartCnt uint16
	Enabled    bool
	Dirty      bool
}

// EncodeServiceStatus encodes status after the ref: state(1) + block(1) +
// kind(1) + flags(1) + pid(4) + restartCnt(2).
func EncodeServiceStatus(s ServiceStatusInfo) []byte {
	ref := EncodeServiceRef(s.ID)
	buf := make([]byte, len(ref)+10)
	copy(buf, ref)
	off := len(ref)
	buf[off] = uint8(s.State)
	buf[off+1] = uint8(s.Block)
	buf[off+2] = uint8(s.Kind)
	var flags uint8
	if s.Enabled {
		flags |= 1 << 0
	}
	if s.Dirty {
		flags |= 1 << 1
	}
	buf[off+3] = flags
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(s.PID))
	binary.LittleEndian.PutUint16(buf[off+8:], s.RestartCnt)
	return buf
}

// DecodeServiceStatus decodes a status payload produced by EncodeServiceStatus.
func DecodeServiceStatus(data []byte) (ServiceStatusInfo, error) {
	id, n, err := DecodeServiceRef(data)
	if err != nil {
		return ServiceStatusInfo{}, err
	}
	if len(data) < n+10 {
		return ServiceStatusInfo{}, fmt.Errorf("data too short for status")
	}
	d := data[n:]
	return ServiceStatusInfo{
		ID:         id,
		State:      service.State(d[0]),
		Block:      service.Block(d[1]),
		Kind:       service.Kind(d[2]),
		Enabled:    d[3]&(1<<0) != 0,
		Dirty:      d[3]&(1<<1) != 0,
		PID:        int32(binary.LittleEndian.Uint32(d[4:])),
		RestartCnt: binary.LittleEndian.Uint16(d[8:]),
	}, nil
}

// StatusOf builds a ServiceStatusInfo snapshot from a live record.
func StatusOf(r *service.Record) ServiceStatusInfo {
	return ServiceStatusInfo{
		ID:         r.ID,
		Kind:       r.Kind,
		State:      r.State,
		Block:      r.Block,
		PID:        int32(r.PID),
		RestartCnt: uint16(r.RestartCnt),
		Enabled:    r.Enabled,
		Dirty:      r.Dirty,
	}
}
