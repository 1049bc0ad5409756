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

package rules

import (
	"context"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/router/internal/kv"
)

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

// TestStore_SnapshotOrder verifies priority-descending order with a name
// ascending tie-break, independent of insertion order.
func TestStore_SnapshotOrder(t *testing.T) {
	set := []Rule{
		{Name: "zeta", Condition: "true", Action: "q", Priority: 50, Enabled: true},
		{Name: "alpha", Condition: "true", Action: "q", Priority: 50, Enabled: true},
		{Name: "top", Condition: "true", Action: "q", Priority: 100, Enabled: true},
		{Name: "off", Condition: "true", Action: "q", Priority: 200, Enabled: false},
		{Name: "low", Condition: "true", Action: "q", Priority: -1, Enabled: true},
	}
	want := []string{"top", "alpha", "zeta", "low"}

	forward := NewStore()
	for _, r := range set {
		require.NoError(t, forward.Upsert(r))
	}
	backward := NewStore()
	for i := len(set) - 1; i >= 0; i-- {
		require.NoError(t, backward.Upsert(set[i]))
	}

	assert.Equal(t, want, names(forward.Snapshot().Entries()))
	assert.Equal(t, want, names(backward.Snapshot().Entries()))
	assert.Len(t, forward.List(), 5)
	assert.Equal(t, "off", forward.List()[0].Name)
}

// TestStore_UpsertRejectsInvalidCondition verifies that a rule whose
// condition does not compile never enters the store.
func TestStore_UpsertRejectsInvalidCondition(t *testing.T) {
	s := NewStore()
	for _, cond := range []string{
		"__import__('os')",
		"subject.__class__",
		"priority ==",
		"unknown_attr == 1",
		"subject",
	} {
		err := s.Upsert(Rule{Name: "bad", Condition: cond, Action: "q", Enabled: true})
		assert.ErrorIs(t, err, ErrInvalidRule, cond)
	}
	assert.Equal(t, 0, s.Len())

	assert.ErrorIs(t, s.Upsert(Rule{Condition: "true", Action: "q"}), ErrInvalidRule)
	assert.ErrorIs(t, s.Upsert(Rule{Name: "x", Condition: "true"}), ErrInvalidRule)
}

// TestStore_ReplaceByName verifies that upsert replaces rather than appends.
func TestStore_ReplaceByName(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Upsert(Rule{Name: "r", Condition: "true", Action: "a", Priority: 1, Enabled: true}))
	before := s.Snapshot()

	require.NoError(t, s.Upsert(Rule{Name: "r", Condition: "false", Action: "b", Priority: 2, Enabled: true}))
	after := s.Snapshot()

	require.Equal(t, 1, after.Len())
	assert.Equal(t, "b", after.Entries()[0].Action)
	assert.Greater(t, after.Version(), before.Version())

	// Snapshots taken earlier are untouched.
	assert.Equal(t, "a", before.Entries()[0].Action)
}

// TestStore_RemoveAndToggle verifies Remove and SetEnabled.
func TestStore_RemoveAndToggle(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.LoadDefaults())
	require.Equal(t, 3, s.Snapshot().Len())

	r, err := s.SetEnabled("support_emails", false)
	require.NoError(t, err)
	assert.False(t, r.Enabled)
	assert.Equal(t, []string{"urgent_emails", "billing_emails"}, names(s.Snapshot().Entries()))
	assert.Len(t, s.ListEnabled(), 2)

	require.NoError(t, s.Remove("urgent_emails"))
	assert.ErrorIs(t, s.Remove("urgent_emails"), ErrNotFound)
	_, err = s.SetEnabled("nope", true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := s.Get("urgent_emails")
	assert.False(t, ok)
	got, ok := s.Get("billing_emails")
	require.True(t, ok)
	assert.Equal(t, 70, got.Priority)
}

// TestStore_ReplaceIsAllOrNothing verifies a failing Replace keeps the old set.
func TestStore_ReplaceIsAllOrNothing(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.LoadDefaults())

	err := s.Replace([]Rule{
		{Name: "ok", Condition: "true", Action: "q", Enabled: true},
		{Name: "broken", Condition: "(((", Action: "q", Enabled: true},
	})
	require.Error(t, err)
	assert.Equal(t, 3, s.Len())

	err = s.Replace([]Rule{
		{Name: "dup", Condition: "true", Action: "q", Enabled: true},
		{Name: "dup", Condition: "false", Action: "q", Enabled: true},
	})
	assert.ErrorIs(t, err, ErrInvalidRule)

	require.NoError(t, s.Replace(nil))
	assert.Equal(t, 0, s.Snapshot().Len())
}

// TestDefaults_Compile verifies every shipped rule compiles.
func TestDefaults_Compile(t *testing.T) {
	for _, r := range Samples() {
		assert.NoError(t, r.Validate(), r.Name)
	}
	snap, err := NewSnapshot(Samples()...)
	require.NoError(t, err)
	assert.Equal(t, "urgent_emails", snap.Entries()[0].Name)
}

// TestUnmarshal_LegacyEnabled verifies rules stored without an enabled flag
// load as enabled.
func TestUnmarshal_LegacyEnabled(t *testing.T) {
	r, err := Unmarshal(`{"name":"x","condition":"true","action":"q","priority":5}`)
	require.NoError(t, err)
	assert.True(t, r.Enabled)
	assert.Equal(t, 5, r.Priority)

	_, err = Unmarshal(`not json`)
	assert.Error(t, err)
}

// TestRule_RoundTrip verifies Marshal/Unmarshal preserve every field.
func TestRule_RoundTrip(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("unmarshal(marshal(r)) == r", prop.ForAll(
		func(name, desc, cond, action string, priority int, enabled bool, meta map[string]string) bool {
			if len(meta) == 0 {
				meta = nil
			}
			r := Rule{
				Name: name, Description: desc, Condition: cond, Action: action,
				Priority: priority, Enabled: enabled, Metadata: meta,
			}
			blob, err := Marshal(r)
			if err != nil {
				return false
			}
			back, err := Unmarshal(blob)
			return err == nil && reflect.DeepEqual(r, back)
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
		gen.AlphaString(),
		gen.Int(),
		gen.Bool(),
		gen.MapOf(gen.AlphaString(), gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestRepository_PersistAndReload verifies the key layout and a full reload.
func TestRepository_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := NewRepository(store, "email")

	src := NewStore()
	require.NoError(t, src.LoadDefaults())
	require.NoError(t, repo.SaveAll(ctx, src))

	raw, err := store.Get(ctx, "email.rule.urgent_emails")
	require.NoError(t, err)
	assert.Contains(t, raw, `"action":"high_priority"`)

	got, err := repo.Get(ctx, "billing_emails")
	require.NoError(t, err)
	assert.Equal(t, "billing", got.Action)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Delete(ctx, "billing_emails"))

	dst := NewStore()
	require.NoError(t, repo.Reload(ctx, dst))
	assert.Equal(t, []string{"urgent_emails", "support_emails"}, names(dst.Snapshot().Entries()))

	assert.ErrorIs(t, repo.Save(ctx, Rule{Name: "x", Condition: "1 +", Action: "q"}), ErrInvalidRule)
}

// TestRepository_CorruptEntry verifies that one bad blob fails the load.
func TestRepository_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, "email.rule.bad", "{"))

	_, err := NewRepository(store, "email").LoadAll(ctx)
	assert.ErrorContains(t, err, "email.rule.bad")
}
