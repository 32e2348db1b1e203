// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package replication

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/blinklabs-io/godat/feed"
	"github.com/blinklabs-io/godat/hashtree"
	"github.com/blinklabs-io/godat/protocol"
)

// Message types
const (
	MessageTypeHandshake uint8 = 0
	MessageTypeHave      uint8 = 1
	MessageTypeWant      uint8 = 2
	MessageTypeRequest   uint8 = 3
	MessageTypeData      uint8 = 4
	MessageTypeCancel    uint8 = 5
	MessageTypeClose     uint8 = 6
)

const (
	SignatureSize = 64

	// Wire size of a node: hash followed by a big-endian size
	nodeWireSize = hashtree.HashSize + 8

	// A proof or root set never has more entries than tree levels
	maxWireNodes = 64
)

// Message is implemented by every replication message and by nothing else
type Message interface {
	protocol.Message
	replicationMessage()
}

// NewMsgFromBytes decodes a message from its tag and frame payload
func NewMsgFromBytes(msgType uint8, data []byte) (protocol.Message, error) {
	var ret Message
	switch msgType {
	case MessageTypeHandshake:
		ret = &MsgHandshake{}
	case MessageTypeHave:
		ret = &MsgHave{}
	case MessageTypeWant:
		ret = &MsgWant{}
	case MessageTypeRequest:
		ret = &MsgRequest{}
	case MessageTypeData:
		ret = &MsgData{}
	case MessageTypeCancel:
		ret = &MsgCancel{}
	case MessageTypeClose:
		ret = &MsgClose{}
	default:
		return nil, fmt.Errorf(
			"%w: unknown message type %d",
			protocol.ErrMalformedFrame,
			msgType,
		)
	}
	if err := ret.(payloadUnmarshaler).unmarshalPayload(data); err != nil {
		return nil, fmt.Errorf(
			"%w: message type %d: %s",
			protocol.ErrMalformedFrame,
			msgType,
			err,
		)
	}
	return ret, nil
}

type payloadUnmarshaler interface {
	unmarshalPayload([]byte) error
}

// wireReader consumes a payload front to back, remembering the first short read
type wireReader struct {
	data []byte
	err  error
}

func (r *wireReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data) < n {
		r.err = fmt.Errorf("short payload: need %d bytes, have %d", n, len(r.data))
		return nil
	}
	ret := r.data[:n]
	r.data = r.data[n:]
	return ret
}

func (r *wireReader) readUint64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *wireReader) readUint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *wireReader) readUint8() uint8 {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *wireReader) readNodes() []hashtree.Node {
	count := int(r.readUint8())
	if r.err != nil {
		return nil
	}
	if count > maxWireNodes {
		r.err = fmt.Errorf("too many nodes: %d", count)
		return nil
	}
	ret := make([]hashtree.Node, 0, count)
	for range count {
		b := r.next(nodeWireSize)
		if b == nil {
			return nil
		}
		var node hashtree.Node
		copy(node.Hash[:], b[:hashtree.HashSize])
		node.Size = binary.BigEndian.Uint64(b[hashtree.HashSize:])
		ret = append(ret, node)
	}
	return ret
}

// done fails if any bytes remain
func (r *wireReader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.data) > 0 {
		return fmt.Errorf("%d trailing bytes", len(r.data))
	}
	return nil
}

func appendNodes(buf []byte, nodes []hashtree.Node) ([]byte, error) {
	if len(nodes) > maxWireNodes {
		return nil, fmt.Errorf("too many nodes: %d", len(nodes))
	}
	buf = append(buf, uint8(len(nodes)))
	for _, node := range nodes {
		buf = append(buf, node.Hash[:]...)
		buf = binary.BigEndian.AppendUint64(buf, node.Size)
	}
	return buf, nil
}

// MsgHandshake opens a session. PeerId fills the bytes between the discovery
// key and the trailing live flag.
type MsgHandshake struct {
	protocol.MessageBase
	DiscoveryKey feed.DiscoveryKey
	PeerId       []byte
	Live         bool
}

func NewMsgHandshake(discoveryKey feed.DiscoveryKey, peerId []byte, live bool) *MsgHandshake {
	m := &MsgHandshake{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeHandshake,
		},
		DiscoveryKey: discoveryKey,
		PeerId:       peerId,
		Live:         live,
	}
	return m
}

func (m *MsgHandshake) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 0, len(m.DiscoveryKey)+len(m.PeerId)+1)
	buf = append(buf, m.DiscoveryKey[:]...)
	buf = append(buf, m.PeerId...)
	if m.Live {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf, nil
}

func (m *MsgHandshake) unmarshalPayload(data []byte) error {
	if len(data) < feed.DiscoveryKeySize+1 {
		return fmt.Errorf("short payload: %d bytes", len(data))
	}
	m.MessageType = MessageTypeHandshake
	copy(m.DiscoveryKey[:], data[:feed.DiscoveryKeySize])
	m.PeerId = append([]byte(nil), data[feed.DiscoveryKeySize:len(data)-1]...)
	switch data[len(data)-1] {
	case 0:
		m.Live = false
	case 1:
		m.Live = true
	default:
		return fmt.Errorf("invalid live flag %d", data[len(data)-1])
	}
	return nil
}

func (*MsgHandshake) replicationMessage() {}

// MsgHave advertises that the sender stores the blocks [Start, Start+Length)
type MsgHave struct {
	protocol.MessageBase
	Start  uint64
	Length uint64
}

func NewMsgHave(start uint64, length uint64) *MsgHave {
	m := &MsgHave{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeHave,
		},
		Start:  start,
		Length: length,
	}
	return m
}

func (m *MsgHave) MarshalPayload() ([]byte, error) {
	return marshalRange(m.Start, m.Length), nil
}

func (m *MsgHave) unmarshalPayload(data []byte) error {
	m.MessageType = MessageTypeHave
	var err error
	m.Start, m.Length, err = unmarshalRange(data)
	return err
}

func (*MsgHave) replicationMessage() {}

// MsgWant asks to be told about blocks in [Start, Start+Length). A zero
// Length means every block from Start onwards.
type MsgWant struct {
	protocol.MessageBase
	Start  uint64
	Length uint64
}

func NewMsgWant(start uint64, length uint64) *MsgWant {
	m := &MsgWant{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeWant,
		},
		Start:  start,
		Length: length,
	}
	return m
}

func (m *MsgWant) MarshalPayload() ([]byte, error) {
	return marshalRange(m.Start, m.Length), nil
}

func (m *MsgWant) unmarshalPayload(data []byte) error {
	m.MessageType = MessageTypeWant
	var err error
	m.Start, m.Length, err = unmarshalRange(data)
	return err
}

// Contains reports whether the wanted range covers index
func (m *MsgWant) Contains(index uint64) bool {
	if index < m.Start {
		return false
	}
	return m.Length == 0 || index-m.Start < m.Length
}

func (*MsgWant) replicationMessage() {}

func marshalRange(start uint64, length uint64) []byte {
	buf := make([]byte, 0, 16)
	buf = binary.BigEndian.AppendUint64(buf, start)
	return binary.BigEndian.AppendUint64(buf, length)
}

func unmarshalRange(data []byte) (uint64, uint64, error) {
	r := &wireReader{data: data}
	start := r.readUint64()
	length := r.readUint64()
	return start, length, r.done()
}

// MsgRequest asks for a block with its proof
type MsgRequest struct {
	protocol.MessageBase
	Index uint64
}

func NewMsgRequest(index uint64) *MsgRequest {
	m := &MsgRequest{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRequest,
		},
		Index: index,
	}
	return m
}

func (m *MsgRequest) MarshalPayload() ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, m.Index), nil
}

func (m *MsgRequest) unmarshalPayload(data []byte) error {
	m.MessageType = MessageTypeRequest
	r := &wireReader{data: data}
	m.Index = r.readUint64()
	return r.done()
}

func (*MsgRequest) replicationMessage() {}

// MsgCancel withdraws an earlier request
type MsgCancel struct {
	protocol.MessageBase
	Index uint64
}

func NewMsgCancel(index uint64) *MsgCancel {
	m := &MsgCancel{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeCancel,
		},
		Index: index,
	}
	return m
}

func (m *MsgCancel) MarshalPayload() ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, m.Index), nil
}

func (m *MsgCancel) unmarshalPayload(data []byte) error {
	m.MessageType = MessageTypeCancel
	r := &wireReader{data: data}
	m.Index = r.readUint64()
	return r.done()
}

func (*MsgCancel) replicationMessage() {}

// MsgData carries a block, the sibling nodes proving it and the signed head
// the proof was built against. Node positions are not sent; the receiver
// derives them from Index and Length.
type MsgData struct {
	protocol.MessageBase
	Index     uint64
	Block     []byte
	Nodes     []hashtree.Node
	Length    uint64
	Roots     []hashtree.Node
	Signature []byte
}

func NewMsgData(
	index uint64,
	block []byte,
	nodes []hashtree.Node,
	length uint64,
	roots []hashtree.Node,
	signature []byte,
) *MsgData {
	m := &MsgData{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeData,
		},
		Index:     index,
		Block:     block,
		Nodes:     nodes,
		Length:    length,
		Roots:     roots,
		Signature: signature,
	}
	return m
}

// NewMsgDataFromProof builds a Data message from a locally generated proof
func NewMsgDataFromProof(proof *feed.Proof) *MsgData {
	return NewMsgData(
		proof.Index,
		proof.Block,
		proof.Nodes,
		proof.Length,
		proof.Roots,
		proof.Signature,
	)
}

func (m *MsgData) MarshalPayload() ([]byte, error) {
	if len(m.Signature) != SignatureSize {
		return nil, fmt.Errorf("invalid signature length %d", len(m.Signature))
	}
	if uint64(len(m.Block)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("block too large: %d bytes", len(m.Block))
	}
	buf := make(
		[]byte,
		0,
		8+4+len(m.Block)+1+len(m.Nodes)*nodeWireSize+8+1+len(m.Roots)*nodeWireSize+SignatureSize,
	)
	buf = binary.BigEndian.AppendUint64(buf, m.Index)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Block)))
	buf = append(buf, m.Block...)
	buf, err := appendNodes(buf, m.Nodes)
	if err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint64(buf, m.Length)
	buf, err = appendNodes(buf, m.Roots)
	if err != nil {
		return nil, err
	}
	buf = append(buf, m.Signature...)
	return buf, nil
}

func (m *MsgData) unmarshalPayload(data []byte) error {
	m.MessageType = MessageTypeData
	r := &wireReader{data: data}
	m.Index = r.readUint64()
	blockLen := r.readUint32()
	if block := r.next(int(blockLen)); block != nil {
		m.Block = append([]byte{}, block...)
	}
	m.Nodes = r.readNodes()
	m.Length = r.readUint64()
	m.Roots = r.readNodes()
	if sig := r.next(SignatureSize); sig != nil {
		m.Signature = append([]byte(nil), sig...)
	}
	return r.done()
}

func (*MsgData) replicationMessage() {}

// MsgClose ends a session with a human readable reason
type MsgClose struct {
	protocol.MessageBase
	Reason string
}

func NewMsgClose(reason string) *MsgClose {
	m := &MsgClose{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeClose,
		},
		Reason: reason,
	}
	return m
}

func (m *MsgClose) MarshalPayload() ([]byte, error) {
	return []byte(m.Reason), nil
}

func (m *MsgClose) unmarshalPayload(data []byte) error {
	m.MessageType = MessageTypeClose
	if !utf8.Valid(data) {
		return fmt.Errorf("close reason is not valid UTF-8")
	}
	m.Reason = string(data)
	return nil
}

func (*MsgClose) replicationMessage() {}
