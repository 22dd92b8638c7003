// Copyright 2024 LatentFS Authors
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

// Package cache provides the two caching layers that sit in front of the
// base directory: the Image Cache (completed transcode artifacts, with
// count/memory/age eviction and optional persistent spill) and a small
// TTL-based attribute cache fronting getattr lookups.
//
// Design principles carried over from the attribute cache this package
// started from:
// 1. Fine-grained cache management - invalidate only affected paths, not
//    the entire cache.
// 2. Single layer ownership - each cache lives in one layer.
package cache

import "os"

// Disabled controls whether all caching mechanisms are disabled. Set via
// the TRANSCODEFS_CACHE=0 environment variable. Useful for isolating
// cache-related bugs during debugging.
var Disabled = os.Getenv("TRANSCODEFS_CACHE") == "0"

// Invalidator is implemented by caches that support full invalidation.
type Invalidator interface {
	// Invalidate clears all entries from the cache.
	Invalidate()
}
