//
// Copyright 2024 Scratchbox2 Project.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package rpc implements SB2's writer-daemon RPC transport (spec.md
// C6): a Unix-domain datagram socket pair, one server socket shared by
// every client in a session and one per-client socket used so replies
// are addressable. Messages are fixed-size, little-endian encoded
// structs; there is exactly one reply per command.
package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolVersion is carried on every command and reply. The server
// answers a command of another version with ReplyProtoVersionErr
// rather than silently ignoring it, and Client.Call returns an error
// for a reply of another version (original_source/include/rule_tree_rpc.h's
// RULETREE_RPC_PROTOCOL_VERSION, bumped because this reimplementation
// adds INIT2 and CLEARFILEINFO isn't changed in shape but the overall
// message layout is Go-native, not wire-compatible with the C daemon).
const ProtocolVersion uint16 = 3

// Command types (client -> server).
const (
	CmdPing            uint32 = 1
	CmdInit2           uint32 = 2
	CmdSetFileInfo     uint32 = 3
	CmdReleaseFileInfo uint32 = 4
	CmdClearFileInfo   uint32 = 5
)

// Reply types (server -> client).
const (
	ReplyOK              uint32 = 1
	ReplyFailed          uint32 = 2
	ReplyUnknownCmd      uint32 = 3
	ReplyProtoVersionErr uint32 = 4
	ReplyMessage         uint32 = 5
)

// Per-field active-mask bits for SETFILEINFO/RELEASEFILEINFO, mirroring
// ruletree.InodeStatSim* (kept as independent constants here so
// package rpc has no hard dependency on package ruletree's layout —
// the wire format is the RPC boundary, not the on-disk one).
const (
	FieldUID      uint32 = 0x01
	FieldGID      uint32 = 0x02
	FieldMode     uint32 = 0x04
	FieldSuidSgid uint32 = 0x08
	FieldDevNode  uint32 = 0x10
)

// FileInfo is the SETFILEINFO/RELEASEFILEINFO/CLEARFILEINFO payload:
// which inode, which fields to touch, and their new values.
type FileInfo struct {
	Dev        uint64
	Ino        uint64
	ActiveMask uint32 // which of the fields below this command carries
	UID        uint32
	GID        uint32
	Mode       uint32
	SuidSgid   uint32
	DevMode    uint32
	RDev       uint64
}

// fileInfoWireSize: dev(8) + ino(8) + mask(4) + uid(4) + gid(4) +
// mode(4) + suidsgid(4) + devmode(4) + rdev(8) = 48 bytes.
const fileInfoWireSize = 48

func (f FileInfo) marshal(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], f.Dev)
	binary.LittleEndian.PutUint64(buf[8:16], f.Ino)
	binary.LittleEndian.PutUint32(buf[16:20], f.ActiveMask)
	binary.LittleEndian.PutUint32(buf[20:24], f.UID)
	binary.LittleEndian.PutUint32(buf[24:28], f.GID)
	binary.LittleEndian.PutUint32(buf[28:32], f.Mode)
	binary.LittleEndian.PutUint32(buf[32:36], f.SuidSgid)
	binary.LittleEndian.PutUint32(buf[36:40], f.DevMode)
	binary.LittleEndian.PutUint64(buf[40:48], f.RDev)
}

func unmarshalFileInfo(buf []byte) FileInfo {
	return FileInfo{
		Dev:        binary.LittleEndian.Uint64(buf[0:8]),
		Ino:        binary.LittleEndian.Uint64(buf[8:16]),
		ActiveMask: binary.LittleEndian.Uint32(buf[16:20]),
		UID:        binary.LittleEndian.Uint32(buf[20:24]),
		GID:        binary.LittleEndian.Uint32(buf[24:28]),
		Mode:       binary.LittleEndian.Uint32(buf[28:32]),
		SuidSgid:   binary.LittleEndian.Uint32(buf[32:36]),
		DevMode:    binary.LittleEndian.Uint32(buf[36:40]),
		RDev:       binary.LittleEndian.Uint64(buf[40:48]),
	}
}

// commandHdrSize: version(2) + serial(2) + type(4) = 8 bytes.
const commandHdrSize = 8

// CommandWireSize is the fixed datagram size every command message
// occupies (header + the largest possible payload, FileInfo).
const CommandWireSize = commandHdrSize + fileInfoWireSize

// Command is a decoded client->server message.
type Command struct {
	Version  uint16
	Serial   uint16
	Type     uint32
	FileInfo FileInfo // meaningful only for SETFILEINFO/RELEASEFILEINFO/CLEARFILEINFO
}

// Marshal encodes cmd into a fixed CommandWireSize buffer.
func (c Command) Marshal() []byte {
	buf := make([]byte, CommandWireSize)
	binary.LittleEndian.PutUint16(buf[0:2], c.Version)
	binary.LittleEndian.PutUint16(buf[2:4], c.Serial)
	binary.LittleEndian.PutUint32(buf[4:8], c.Type)
	c.FileInfo.marshal(buf[commandHdrSize:])
	return buf
}

// UnmarshalCommand decodes a command datagram. An error here (short
// read) should be treated as a dropped/corrupt message, never a panic
// — per spec.md §7, malformed messages degrade, they don't crash the
// server.
func UnmarshalCommand(buf []byte) (Command, error) {
	if len(buf) < commandHdrSize {
		return Command{}, fmt.Errorf("rpc: command message too short (%d bytes)", len(buf))
	}
	c := Command{
		Version: binary.LittleEndian.Uint16(buf[0:2]),
		Serial:  binary.LittleEndian.Uint16(buf[2:4]),
		Type:    binary.LittleEndian.Uint32(buf[4:8]),
	}
	if len(buf) >= CommandWireSize {
		c.FileInfo = unmarshalFileInfo(buf[commandHdrSize:CommandWireSize])
	}
	return c, nil
}

// replyHdrSize: version(2) + serial(2) + type(4) = 8 bytes.
const replyHdrSize = 8

// messagePayloadSize bounds the MESSAGE reply's status-string payload.
const messagePayloadSize = 120

// ReplyWireSize is the fixed datagram size every reply occupies.
const ReplyWireSize = replyHdrSize + messagePayloadSize

// Reply is a decoded server->client message.
type Reply struct {
	Version uint16
	Serial  uint16
	Type    uint32
	Message string // populated for ReplyMessage; ignored otherwise
}

// Marshal encodes r into a fixed ReplyWireSize buffer.
func (r Reply) Marshal() []byte {
	buf := make([]byte, ReplyWireSize)
	binary.LittleEndian.PutUint16(buf[0:2], r.Version)
	binary.LittleEndian.PutUint16(buf[2:4], r.Serial)
	binary.LittleEndian.PutUint32(buf[4:8], r.Type)
	if r.Message != "" {
		n := len(r.Message)
		if n > messagePayloadSize-1 {
			n = messagePayloadSize - 1
		}
		copy(buf[replyHdrSize:replyHdrSize+n], r.Message[:n])
	}
	return buf
}

// UnmarshalReply decodes a reply datagram.
func UnmarshalReply(buf []byte) (Reply, error) {
	if len(buf) < replyHdrSize {
		return Reply{}, errors.Errorf("rpc: reply message too short (%d bytes)", len(buf))
	}
	r := Reply{
		Version: binary.LittleEndian.Uint16(buf[0:2]),
		Serial:  binary.LittleEndian.Uint16(buf[2:4]),
		Type:    binary.LittleEndian.Uint32(buf[4:8]),
	}
	if len(buf) > replyHdrSize {
		end := replyHdrSize + messagePayloadSize
		if end > len(buf) {
			end = len(buf)
		}
		payload := buf[replyHdrSize:end]
		if i := indexByte(payload, 0); i >= 0 {
			payload = payload[:i]
		}
		r.Message = string(payload)
	}
	return r, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
