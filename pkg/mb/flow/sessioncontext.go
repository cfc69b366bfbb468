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
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"midstack.dev/midstack/pkg/mb"
)

// SessionContext is the classifier fingerprint: a list of masked byte
// ranges in the L3 header, written "offset/value/mask" with hexadecimal
// value and mask. The canonical 5-tuple context is
//
//	12/0/ffffffff 16/0/ffffffff 20/0/ffff 22/0/ffff
//
// matching source IP, destination IP, source port, destination port of an
// IPv4 packet with a 20-byte header.
type SessionContext struct {
	fields []contextField
}

type contextField struct {
	offset int
	value  []byte
	mask   []byte
}

// DefaultSessionContext is the 5-tuple fingerprint.
const DefaultSessionContext = "12/0/ffffffff 16/0/ffffffff 20/0/ffff 22/0/ffff"

// ParseSessionContext parses the fingerprint syntax.
func ParseSessionContext(s string) (*SessionContext, error) {
	sc := &SessionContext{}
	for _, spec := range strings.Fields(s) {
		parts := strings.Split(spec, "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: session context field %q", mb.ErrConfigInvalid, spec)
		}
		offset, err := strconv.Atoi(parts[0])
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("%w: session context offset %q", mb.ErrConfigInvalid, parts[0])
		}
		mask, err := parseHexBytes(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: session context mask %q", mb.ErrConfigInvalid, parts[2])
		}
		value, err := parseHexBytes(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: session context value %q", mb.ErrConfigInvalid, parts[1])
		}
		// A short value ("0") is left-padded to the mask width.
		if len(value) < len(mask) {
			value = append(make([]byte, len(mask)-len(value)), value...)
		}
		if len(value) != len(mask) {
			return nil, fmt.Errorf("%w: session context value/mask width mismatch in %q", mb.ErrConfigInvalid, spec)
		}
		sc.fields = append(sc.fields, contextField{offset: offset, value: value, mask: mask})
	}
	if len(sc.fields) == 0 {
		return nil, fmt.Errorf("%w: empty session context", mb.ErrConfigInvalid)
	}
	return sc, nil
}

func parseHexBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// Fingerprint extracts the masked bytes from the packet, the key the
// classifier groups sessions by. Returns false if the packet is too short
// for a field.
func (sc *SessionContext) Fingerprint(p *mb.Packet) ([]byte, bool) {
	data := p.Data()
	var key []byte
	for _, f := range sc.fields {
		if f.offset+len(f.mask) > len(data) {
			return nil, false
		}
		for i, m := range f.mask {
			key = append(key, data[f.offset+i]&m)
		}
	}
	return key, true
}

// Matches reports whether the packet's masked bytes equal the context's
// configured values. Fields configured with value 0 match any packet (the
// usual case for classification contexts).
func (sc *SessionContext) Matches(p *mb.Packet) bool {
	data := p.Data()
	for _, f := range sc.fields {
		if f.offset+len(f.mask) > len(data) {
			return false
		}
		zero := true
		for _, v := range f.value {
			if v != 0 {
				zero = false
				break
			}
		}
		if zero {
			continue
		}
		for i, m := range f.mask {
			if data[f.offset+i]&m != f.value[i]&m {
				return false
			}
		}
	}
	return true
}
