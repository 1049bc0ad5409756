// Copyright (c) 2026 John Earle
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

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// TestFilter verifies first-seen, repeat, expiry and Forget.
func TestFilter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	f := NewFilter(rdb, "acme").WithTTL(time.Minute)

	if ok, err := f.IsNew(ctx, "em_id:1"); err != nil || !ok {
		t.Fatalf("first IsNew = %v, %v; want true", ok, err)
	}
	if ok, _ := f.IsNew(ctx, "em_id:1"); ok {
		t.Error("second IsNew should be false")
	}
	if !mr.Exists("acme.seen.em_id:1") {
		t.Error("expected namespaced key")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := f.IsNew(ctx, "em_id:1"); !ok {
		t.Error("IsNew after TTL should be true")
	}

	if err := f.Forget(ctx, "em_id:1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.IsNew(ctx, "em_id:1"); !ok {
		t.Error("IsNew after Forget should be true")
	}
}
