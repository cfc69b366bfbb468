// Copyright 2026 The midstack Authors.
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

package flow

import (
	"bytes"
	"errors"
	"testing"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/testutil"
)

func TestParseSessionContext(t *testing.T) {
	if _, err := ParseSessionContext(DefaultSessionContext); err != nil {
		t.Fatalf("default context rejected: %v", err)
	}
	for _, bad := range []string{"", "12/0", "x/0/ff", "12/0/zz", "12/ffff/ff"} {
		if _, err := ParseSessionContext(bad); !errors.Is(err, mb.ErrConfigInvalid) {
			t.Errorf("ParseSessionContext(%q) = %v, want ErrConfigInvalid", bad, err)
		}
	}
}

func TestFingerprintIsTheTuple(t *testing.T) {
	sc, err := ParseSessionContext(DefaultSessionContext)
	if err != nil {
		t.Fatal(err)
	}

	a := testutil.MakeUDP(testutil.UDPFields{Payload: []byte("one")})
	b := testutil.MakeUDP(testutil.UDPFields{Payload: []byte("two, same tuple")})
	c := testutil.MakeUDP(testutil.UDPFields{SrcPort: 999, Payload: []byte("other tuple")})

	fa, ok := sc.Fingerprint(a)
	if !ok {
		t.Fatal("fingerprint failed on well formed packet")
	}
	fb, _ := sc.Fingerprint(b)
	fc, _ := sc.Fingerprint(c)

	if !bytes.Equal(fa, fb) {
		t.Error("same tuple produced different fingerprints")
	}
	if bytes.Equal(fa, fc) {
		t.Error("different tuples produced equal fingerprints")
	}
}

func TestMatchesValueFields(t *testing.T) {
	// Match only packets to port 80: offset 22, value 0x0050.
	sc, err := ParseSessionContext("22/0050/ffff")
	if err != nil {
		t.Fatal(err)
	}
	hit := testutil.MakeUDP(testutil.UDPFields{DstPort: 80, Payload: []byte("p")})
	miss := testutil.MakeUDP(testutil.UDPFields{DstPort: 81, Payload: []byte("p")})
	if !sc.Matches(hit) {
		t.Error("port 80 packet did not match")
	}
	if sc.Matches(miss) {
		t.Error("port 81 packet matched")
	}
}

func TestFingerprintShortPacket(t *testing.T) {
	sc, _ := ParseSessionContext("100/0/ffffffff")
	p := testutil.MakeUDP(testutil.UDPFields{Payload: []byte("tiny")})
	if _, ok := sc.Fingerprint(p); ok {
		t.Error("fingerprint succeeded past the packet end")
	}
}
