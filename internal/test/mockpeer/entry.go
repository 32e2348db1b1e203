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

package mockpeer

import (
	"time"

	"github.com/blinklabs-io/godat/protocol"
)

type EntryType int

const (
	EntryTypeNone   EntryType = 0
	EntryTypeInput  EntryType = 1
	EntryTypeOutput EntryType = 2
	EntryTypeClose  EntryType = 3
)

type ConversationEntry struct {
	Type EntryType
	// Input entries match either the exact message or only its type
	InputMessage     protocol.Message
	InputMessageType uint8
	Timeout          time.Duration
	OutputMessages   []protocol.Message
	// OutputRaw is written to the connection as is, after OutputMessages
	OutputRaw []byte
}

// Input returns an entry expecting a message of the given type
func Input(msgType uint8) ConversationEntry {
	return ConversationEntry{
		Type:             EntryTypeInput,
		InputMessageType: msgType,
	}
}

// InputExact returns an entry expecting exactly the given message
func InputExact(msg protocol.Message) ConversationEntry {
	return ConversationEntry{
		Type:         EntryTypeInput,
		InputMessage: msg,
	}
}

// Output returns an entry sending the given messages
func Output(msgs ...protocol.Message) ConversationEntry {
	return ConversationEntry{
		Type:           EntryTypeOutput,
		OutputMessages: msgs,
	}
}

// Close returns an entry closing the connection
func Close() ConversationEntry {
	return ConversationEntry{
		Type: EntryTypeClose,
	}
}
