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

package muxer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// SegmentHeaderLength is the size of the big-endian length prefix
	SegmentHeaderLength = 4

	// MaxFrameLength bounds the tag and payload of a single frame
	MaxFrameLength = 8 * 1024 * 1024
)

// ErrMalformedFrame is returned for frames with a zero or oversized length
// and for frames cut short by the end of the stream
var ErrMalformedFrame = errors.New("malformed frame")

// Segment is a single frame on the wire: a 4-byte big-endian length covering
// a 1-byte message tag and the payload that follows it
type Segment struct {
	Tag     uint8
	Payload []byte
}

func NewSegment(tag uint8, payload []byte) *Segment {
	return &Segment{
		Tag:     tag,
		Payload: payload,
	}
}

// Length returns the value of the frame's length prefix
func (s *Segment) Length() int {
	return 1 + len(s.Payload)
}

func (s *Segment) MarshalBinary() ([]byte, error) {
	if s.Length() > MaxFrameLength {
		return nil, fmt.Errorf(
			"%w: frame length %d exceeds maximum %d",
			ErrMalformedFrame,
			s.Length(),
			MaxFrameLength,
		)
	}
	buf := make([]byte, 0, SegmentHeaderLength+s.Length())
	buf = binary.BigEndian.AppendUint32(buf, uint32(s.Length()))
	buf = append(buf, s.Tag)
	buf = append(buf, s.Payload...)
	return buf, nil
}

// ReadSegment reads one frame from r. A clean end of stream before the first
// header byte is returned as io.EOF.
func ReadSegment(r io.Reader) (*Segment, error) {
	var header [SegmentHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: zero length", ErrMalformedFrame)
	}
	if length > MaxFrameLength {
		return nil, fmt.Errorf(
			"%w: frame length %d exceeds maximum %d",
			ErrMalformedFrame,
			length,
			MaxFrameLength,
		)
	}
	// We use ReadFull because it guarantees to read the expected number of bytes or
	// return an error
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf(
				"%w: truncated frame, expected %d bytes",
				ErrMalformedFrame,
				length,
			)
		}
		return nil, err
	}
	return &Segment{
		Tag:     body[0],
		Payload: body[1:],
	}, nil
}
