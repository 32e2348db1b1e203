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

package mdns_test

import (
	"errors"
	"net"
	"testing"

	"github.com/blinklabs-io/godat/discovery/mdns"
	"github.com/blinklabs-io/godat/feed"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDiscoveryKey() feed.DiscoveryKey {
	var ret feed.DiscoveryKey
	for i := range ret {
		ret[i] = byte(i)
	}
	return ret
}

func TestName(t *testing.T) {
	expected := "000102030405060708090a0b0c0d0e0f10111213.dat.local."
	if name := mdns.Name(testDiscoveryKey()); name != expected {
		t.Fatalf("did not get expected name: got %s, expected %s", name, expected)
	}
}

func TestPeersField(t *testing.T) {
	encoded, err := mdns.EncodePeers(net.IPv4(192, 168, 1, 2), 3283)
	require.NoError(t, err)
	assert.Equal(t, "wKgBAgzT", encoded)
	ip, port, err := mdns.DecodePeers(encoded)
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv4(192, 168, 1, 2)))
	assert.Equal(t, uint16(3283), port)
}

func TestPeersFieldInvalid(t *testing.T) {
	if _, err := mdns.EncodePeers(net.ParseIP("fe80::1"), 1); !errors.Is(err, mdns.ErrInvalidPeers) {
		t.Fatalf("did not get expected error for IPv6 address: got %v", err)
	}
	for _, data := range []string{"not base64!", "wKgB", "wKgBAgzTAA=="} {
		if _, _, err := mdns.DecodePeers(data); !errors.Is(err, mdns.ErrInvalidPeers) {
			t.Fatalf("did not get expected error decoding %q: got %v", data, err)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	name := mdns.Name(testDiscoveryKey())
	msg, err := mdns.NewResponse(
		name,
		mdns.Announcement{Token: "abc", IP: net.IPv4(10, 0, 0, 1), Port: 9000},
	)
	require.NoError(t, err)
	packed, err := msg.Pack()
	require.NoError(t, err)
	decoded := new(dns.Msg)
	require.NoError(t, decoded.Unpack(packed))
	announcement, ok := mdns.ParseResponse(decoded, name)
	require.True(t, ok)
	assert.Equal(t, "abc", announcement.Token)
	assert.Equal(t, "10.0.0.1:9000", announcement.Address())
	// Answers are not queries, and other names are ignored
	assert.False(t, mdns.IsQueryFor(decoded, name))
	_, ok = mdns.ParseResponse(decoded, "other.dat.local.")
	assert.False(t, ok)
}

func TestParseResponseMissingField(t *testing.T) {
	name := mdns.Name(testDiscoveryKey())
	msg := mdns.NewQuery(name)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET},
		Txt: []string{"token=abc", "other=1"},
	})
	if _, ok := mdns.ParseResponse(msg, name); ok {
		t.Fatalf("parsed a record without a peers field")
	}
}

func TestQuery(t *testing.T) {
	name := mdns.Name(testDiscoveryKey())
	msg := mdns.NewQuery(name)
	assert.Equal(t, uint16(0), msg.Id)
	assert.False(t, msg.RecursionDesired)
	assert.True(t, mdns.IsQueryFor(msg, name))
	// Names compare case insensitively
	upper := mdns.NewQuery("000102030405060708090A0B0C0D0E0F10111213.dat.local.")
	assert.True(t, mdns.IsQueryFor(upper, name))
	assert.False(t, mdns.IsQueryFor(msg, "other.dat.local."))
}
