/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ember

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	farm "github.com/dgryski/go-farm"
)

// KeyToHash is the package's built-in key-hashing function. NewCache does not
// fall back to it: a Config must set it (or another function) explicitly.
// It produces the (h1, h2) pair spec §4.B calls for: h1 from
// xxhash drives sketch indexing and store placement, h2 from an independent
// hash family (go-farm) disambiguates collisions on h1 so two different keys
// that happen to share a primary hash don't silently clobber each other.
//
// string and []byte keys are hashed directly; keys of type int, int32, int64,
// uint32, uint64 and byte are hashed by value, not by their decimal
// representation, so KeyToHash(int64(1)) and KeyToHash(uint64(1)) agree. Any
// other key type, including the other integer types (int8, int16, uint16,
// uint), falls back to its fmt.Sprintf("%v") representation, which is enough
// for correctness (if not peak throughput) for arbitrary comparable keys.
func KeyToHash(key interface{}) (uint64, uint64) {
	switch k := key.(type) {
	case uint64:
		return k, farm.Fingerprint64(u64Bytes(k))
	case string:
		return xxhash.Sum64String(k), farm.Fingerprint64([]byte(k))
	case []byte:
		return xxhash.Sum64(k), farm.Fingerprint64(k)
	case byte:
		return uint64(k), farm.Fingerprint64(u64Bytes(uint64(k)))
	case int:
		return uint64(k), farm.Fingerprint64(u64Bytes(uint64(k)))
	case int32:
		return uint64(k), farm.Fingerprint64(u64Bytes(uint64(k)))
	case uint32:
		return uint64(k), farm.Fingerprint64(u64Bytes(uint64(k)))
	case int64:
		return uint64(k), farm.Fingerprint64(u64Bytes(uint64(k)))
	default:
		s := fmt.Sprintf("%v", k)
		return xxhash.Sum64String(s), farm.Fingerprint64([]byte(s))
	}
}

func u64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
