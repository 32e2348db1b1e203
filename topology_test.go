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

package dat_test

import (
	"reflect"
	"strings"
	"testing"

	dat "github.com/blinklabs-io/godat"
)

type topologyTestDefinition struct {
	jsonData          string
	expectedObject    *dat.TopologyConfig
	expectedAddresses []string
}

var topologyTests = []topologyTestDefinition{
	{
		jsonData: `
{
  "peers": [
    {
      "address": "192.168.1.10",
      "port": 3282
    },
    {
      "address": "fe80::1",
      "port": 3283
    }
  ]
}
`,
		expectedObject: &dat.TopologyConfig{
			Peers: []dat.TopologyConfigPeer{
				{
					Address: "192.168.1.10",
					Port:    3282,
				},
				{
					Address: "fe80::1",
					Port:    3283,
				},
			},
		},
		expectedAddresses: []string{"192.168.1.10:3282", "[fe80::1]:3283"},
	},
	{
		jsonData: `{"peers": []}`,
		expectedObject: &dat.TopologyConfig{
			Peers: []dat.TopologyConfigPeer{},
		},
		expectedAddresses: []string{},
	},
}

func TestParseTopologyConfig(t *testing.T) {
	for _, test := range topologyTests {
		topology, err := dat.NewTopologyConfigFromReader(
			strings.NewReader(test.jsonData),
		)
		if err != nil {
			t.Fatalf("failed to load TopologyConfig from JSON data: %s", err)
		}
		if !reflect.DeepEqual(topology, test.expectedObject) {
			t.Fatalf(
				"did not get expected object\n  got:\n    %#v\n  wanted:\n    %#v",
				topology,
				test.expectedObject,
			)
		}
		if addresses := topology.Addresses(); !reflect.DeepEqual(addresses, test.expectedAddresses) {
			t.Fatalf("did not get expected addresses: got %v, wanted %v", addresses, test.expectedAddresses)
		}
	}
}

func TestParseTopologyConfigInvalid(t *testing.T) {
	if _, err := dat.NewTopologyConfigFromReader(strings.NewReader("{")); err == nil {
		t.Fatalf("did not get expected error for truncated JSON")
	}
}
