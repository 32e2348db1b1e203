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

// Package discovery finds candidate peer addresses for a feed
package discovery

import (
	"context"
	"sync"

	"github.com/blinklabs-io/godat/feed"
)

// Peer is a candidate address announced for a feed
type Peer struct {
	// Address is a host:port suitable for net.Dial
	Address string
	// Source names the bridge that produced the candidate
	Source string
}

// Bridge produces candidate peer addresses for a discovery key. The returned
// channel yields addresses until ctx ends and is then closed. The same
// address may be announced more than once; calling FindPeers again starts a
// new independent search.
type Bridge interface {
	FindPeers(ctx context.Context, discoveryKey feed.DiscoveryKey) (<-chan Peer, error)
}

// Multi fans in the candidates of several bridges
type Multi []Bridge

func (m Multi) FindPeers(ctx context.Context, discoveryKey feed.DiscoveryKey) (<-chan Peer, error) {
	ctx, cancel := context.WithCancel(ctx)
	sources := make([]<-chan Peer, 0, len(m))
	for _, bridge := range m {
		peers, err := bridge.FindPeers(ctx, discoveryKey)
		if err != nil {
			cancel()
			// Drain the bridges that already started so their goroutines exit
			for _, source := range sources {
				for range source {
				}
			}
			return nil, err
		}
		sources = append(sources, peers)
	}
	ret := make(chan Peer)
	var wg sync.WaitGroup
	for _, source := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for peer := range source {
				select {
				case ret <- peer:
				case <-ctx.Done():
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(ret)
	}()
	return ret, nil
}
