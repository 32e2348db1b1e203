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

package mdns

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/blinklabs-io/godat/feed"
	"github.com/miekg/dns"
)

const (
	NameSuffix = "dat.local."
	// RecordTTL is the TTL set on answers, in seconds
	RecordTTL = 120

	nameKeyChars = 40
	peersSize    = net.IPv4len + 2

	fieldToken = "token"
	fieldPeers = "peers"
)

var ErrInvalidPeers = errors.New("invalid peers field")

// Name returns the query name for a discovery key
func Name(discoveryKey feed.DiscoveryKey) string {
	return discoveryKey.String()[:nameKeyChars] + "." + NameSuffix
}

// Announcement is the content of an answer record
type Announcement struct {
	Token string
	IP    net.IP
	Port  uint16
}

// Address returns the announced host:port
func (a Announcement) Address() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// EncodePeers encodes an IPv4 address and port as the peers field
func EncodePeers(ip net.IP, port uint16) (string, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("%w: not an IPv4 address: %s", ErrInvalidPeers, ip)
	}
	buf := make([]byte, peersSize)
	copy(buf, ip4)
	binary.BigEndian.PutUint16(buf[net.IPv4len:], port)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecodePeers decodes the peers field
func DecodePeers(data string) (net.IP, uint16, error) {
	buf, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidPeers, err)
	}
	if len(buf) != peersSize {
		return nil, 0, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidPeers, len(buf), peersSize)
	}
	ip := net.IPv4(buf[0], buf[1], buf[2], buf[3])
	return ip, binary.BigEndian.Uint16(buf[net.IPv4len:]), nil
}

// NewQuery returns a TXT query for name
func NewQuery(name string) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	// mDNS queries carry a zero id and no recursion
	msg.Id = 0
	msg.RecursionDesired = false
	return msg
}

// NewResponse returns an answer for name carrying the announcement
func NewResponse(name string, announcement Announcement) (*dns.Msg, error) {
	peers, err := EncodePeers(announcement.IP, announcement.Port)
	if err != nil {
		return nil, err
	}
	msg := NewQuery(name)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = append(msg.Answer, &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    RecordTTL,
		},
		Txt: []string{
			fieldToken + "=" + announcement.Token,
			fieldPeers + "=" + peers,
		},
	})
	return msg, nil
}

// IsQueryFor reports whether msg is a query asking about name
func IsQueryFor(msg *dns.Msg, name string) bool {
	if msg.Response {
		return false
	}
	for _, q := range msg.Question {
		if strings.EqualFold(q.Name, name) {
			return true
		}
	}
	return false
}

// ParseResponse returns the first announcement for name found in the answers
// of msg. Records missing the token or peers field are skipped.
func ParseResponse(msg *dns.Msg, name string) (Announcement, bool) {
	if !msg.Response {
		return Announcement{}, false
	}
	for _, rr := range msg.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok || !strings.EqualFold(txt.Hdr.Name, name) {
			continue
		}
		var token, peers string
		var hasToken, hasPeers bool
		for _, field := range txt.Txt {
			key, value, found := strings.Cut(field, "=")
			if !found {
				continue
			}
			switch key {
			case fieldToken:
				token, hasToken = value, true
			case fieldPeers:
				peers, hasPeers = value, true
			}
		}
		if !hasToken || !hasPeers {
			continue
		}
		ip, port, err := DecodePeers(peers)
		if err != nil {
			continue
		}
		return Announcement{Token: token, IP: ip, Port: port}, true
	}
	return Announcement{}, false
}
