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

package discovery

import (
	"context"
	"time"

	"github.com/blinklabs-io/godat/feed"
)

// DefaultAnnounceInterval is how often Static repeats its addresses
const DefaultAnnounceInterval = 30 * time.Second

const staticSource = "static"

// Static announces a fixed list of addresses, repeating them periodically so
// that peers which were unreachable or have disconnected are tried again
type Static struct {
	addresses []string
	interval  time.Duration
}

// StaticOptionFunc represents a function used to modify a Static bridge
type StaticOptionFunc func(*Static)

// WithAnnounceInterval specifies how often the addresses are repeated. With
// a zero interval the addresses are announced once and the channel is closed.
func WithAnnounceInterval(interval time.Duration) StaticOptionFunc {
	return func(s *Static) {
		s.interval = interval
	}
}

func NewStatic(addresses []string, options ...StaticOptionFunc) *Static {
	s := &Static{
		addresses: append([]string(nil), addresses...),
		interval:  DefaultAnnounceInterval,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// FindPeers announces every address regardless of the discovery key
func (s *Static) FindPeers(ctx context.Context, _ feed.DiscoveryKey) (<-chan Peer, error) {
	ret := make(chan Peer)
	go func() {
		defer close(ret)
		var ticker *time.Ticker
		var tick <-chan time.Time
		if s.interval > 0 {
			ticker = time.NewTicker(s.interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			for _, address := range s.addresses {
				select {
				case ret <- Peer{Address: address, Source: staticSource}:
				case <-ctx.Done():
					return
				}
			}
			if tick == nil {
				return
			}
			select {
			case <-tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ret, nil
}
