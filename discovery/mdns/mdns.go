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

// Package mdns finds peers on the local network with multicast DNS. Each peer
// answers TXT queries for the name derived from the discovery key with a
// random token and its listening port.
package mdns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blinklabs-io/godat/discovery"
	"github.com/blinklabs-io/godat/feed"
	"github.com/google/uuid"
	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
)

const (
	DefaultQueryInterval = 60 * time.Second

	source = "mdns"
)

// DefaultGroupAddress is the mDNS IPv4 multicast group
var DefaultGroupAddress = &net.UDPAddr{
	IP:   net.IPv4(224, 0, 0, 251),
	Port: 5353,
}

// Mdns is a discovery bridge announcing a local listening port
type Mdns struct {
	port          uint16
	token         string
	queryInterval time.Duration
	groupAddress  *net.UDPAddr
	iface         *net.Interface
	logger        *slog.Logger
}

// OptionFunc represents a function used to modify an Mdns bridge
type OptionFunc func(*Mdns)

// WithToken specifies the token identifying this process in answers
func WithToken(token string) OptionFunc {
	return func(m *Mdns) {
		m.token = token
	}
}

// WithQueryInterval specifies how often the query is repeated
func WithQueryInterval(interval time.Duration) OptionFunc {
	return func(m *Mdns) {
		m.queryInterval = interval
	}
}

// WithGroupAddress specifies the multicast group to use
func WithGroupAddress(addr *net.UDPAddr) OptionFunc {
	return func(m *Mdns) {
		m.groupAddress = addr
	}
}

// WithInterface specifies the network interface to join the group on
func WithInterface(iface *net.Interface) OptionFunc {
	return func(m *Mdns) {
		m.iface = iface
	}
}

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) OptionFunc {
	return func(m *Mdns) {
		m.logger = logger
	}
}

// New returns an Mdns bridge announcing the given TCP port
func New(port uint16, options ...OptionFunc) *Mdns {
	m := &Mdns{
		port:          port,
		queryInterval: DefaultQueryInterval,
		groupAddress:  DefaultGroupAddress,
	}
	for _, option := range options {
		option(m)
	}
	if m.token == "" {
		m.token = uuid.NewString()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "discovery", "source", source)
	return m
}

// Token returns the token identifying this process
func (m *Mdns) Token() string {
	return m.token
}

func (m *Mdns) FindPeers(ctx context.Context, discoveryKey feed.DiscoveryKey) (<-chan discovery.Peer, error) {
	name := Name(discoveryKey)
	query, err := NewQuery(name).Pack()
	if err != nil {
		return nil, fmt.Errorf("pack mDNS query: %w", err)
	}
	response, err := NewResponse(
		name,
		Announcement{Token: m.token, IP: net.IPv4zero, Port: m.port},
	)
	if err != nil {
		return nil, err
	}
	responseBytes, err := response.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack mDNS response: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", m.iface, m.groupAddress)
	if err != nil {
		return nil, fmt.Errorf("join mDNS group: %w", err)
	}
	// Other processes on this host are peers too
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastLoopback(true); err != nil {
		m.logger.Debug("cannot enable multicast loopback", "error", err)
	}
	if err := pc.SetMulticastTTL(255); err != nil {
		m.logger.Debug("cannot set multicast TTL", "error", err)
	}
	ret := make(chan discovery.Peer)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.queryLoop(ctx, conn, query)
	}()
	go func() {
		defer wg.Done()
		m.readLoop(ctx, conn, name, responseBytes, ret)
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
		wg.Wait()
		close(ret)
	}()
	return ret, nil
}

func (m *Mdns) queryLoop(ctx context.Context, conn *net.UDPConn, query []byte) {
	ticker := time.NewTicker(m.queryInterval)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteToUDP(query, m.groupAddress); err != nil {
			m.logger.Debug("failed to send query", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mdns) readLoop(
	ctx context.Context,
	conn *net.UDPConn,
	name string,
	response []byte,
	ret chan<- discovery.Peer,
) {
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("mDNS read failed", "error", err)
			}
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		peer, reply, ok := m.handleMessage(msg, src, name)
		if reply {
			if _, err := conn.WriteToUDP(response, m.groupAddress); err != nil {
				m.logger.Debug("failed to send response", "error", err)
			}
		}
		if !ok {
			continue
		}
		select {
		case ret <- peer:
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage returns the peer announced by msg, if any, and whether msg
// is a query that should be answered
func (m *Mdns) handleMessage(msg *dns.Msg, src *net.UDPAddr, name string) (discovery.Peer, bool, bool) {
	if IsQueryFor(msg, name) {
		return discovery.Peer{}, true, false
	}
	announcement, ok := ParseResponse(msg, name)
	if !ok || announcement.Token == m.token {
		return discovery.Peer{}, false, false
	}
	if announcement.IP.IsUnspecified() {
		if src == nil {
			return discovery.Peer{}, false, false
		}
		announcement.IP = src.IP
	}
	m.logger.Debug(
		"found peer",
		"address", announcement.Address(),
		"token", announcement.Token,
	)
	return discovery.Peer{Address: announcement.Address(), Source: source}, false, true
}
