// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package database_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/testutil"
)

func TestWatchWakesOnMatchingPut(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	m := engine.Map("userroomid_joined")
	prefix := database.JoinKey([]byte("@a:test"), nil)

	ch := m.Watch(prefix)
	key := database.JoinKey([]byte("@a:test"), []byte("!r:test"))
	if err := m.Put(ctx, key, []byte{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	testutil.RequireClosed(t, ch, 5*time.Second, "watch did not fire on matching put")
}

func TestWatchIgnoresOtherPrefixes(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	m := engine.Map("userroomid_joined")

	ch := m.Watch(database.JoinKey([]byte("@a:test"), nil))
	key := database.JoinKey([]byte("@b:test"), []byte("!r:test"))
	if err := m.Put(ctx, key, []byte{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Commit notifies synchronously, so a fired watch would already
	// be closed here.
	select {
	case <-ch:
		t.Error("watch fired for a non-matching key")
	default:
	}
}

func TestWatchSharesChannelPerPrefix(t *testing.T) {
	engine := openTestEngine(t, database.Config{})
	m := engine.Map("global")

	ch1 := m.Watch([]byte("c"))
	ch2 := m.Watch([]byte("c"))
	if ch1 != ch2 {
		t.Error("same-prefix watchers got distinct channels")
	}
	if other := m.Watch([]byte("d")); other == ch1 {
		t.Error("distinct prefixes share a channel")
	}
}

func TestWatchDeleteDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	m := engine.Map("token_userdeviceid")

	if err := m.Put(ctx, []byte("tok"), []byte("@a:test")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ch := m.Watch([]byte("tok"))
	if err := m.Del(ctx, []byte("tok")); err != nil {
		t.Fatalf("Del: %v", err)
	}
	select {
	case <-ch:
		t.Error("watch fired on delete")
	default:
	}
}

func TestWatchRearmsAfterWake(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	m := engine.Map("global")

	ch := m.Watch([]byte("k"))
	if err := m.Put(ctx, []byte("k1"), []byte("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	testutil.RequireClosed(t, ch, 5*time.Second, "first watch did not fire")

	// A watch is one-shot. The fired channel stays closed; waking
	// again takes a fresh Watch call.
	again := m.Watch([]byte("k"))
	select {
	case <-again:
		t.Fatal("fresh watch channel was already closed")
	default:
	}
	if err := m.Put(ctx, []byte("k2"), []byte("b")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	testutil.RequireClosed(t, again, 5*time.Second, "re-armed watch did not fire")
}

func TestIncrementNotifiesWatchers(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	m := engine.Map("global")

	ch := m.Watch([]byte("c"))
	if _, err := m.Increment(ctx, []byte("c")); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	testutil.RequireClosed(t, ch, 5*time.Second, "watch did not fire on increment")
}

func TestBatchNotifiesEveryTouchedPrefix(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	joined := engine.Map("userroomid_joined")
	account := engine.Map("roomuserdataid_accountdata")

	chJoined := joined.Watch(database.JoinKey([]byte("@a:test"), nil))
	chAccount := account.Watch(database.JoinKey([]byte("!r:test"), nil))

	batch := engine.NewBatch()
	batch.Put(joined, database.JoinKey([]byte("@a:test"), []byte("!r:test")), []byte{})
	batch.Put(account, database.JoinKey([]byte("!r:test"), []byte("@a:test"), []byte("m.tag")), []byte("{}"))
	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	testutil.RequireClosed(t, chJoined, 5*time.Second, "membership watch did not fire")
	testutil.RequireClosed(t, chAccount, 5*time.Second, "account data watch did not fire")
}

func TestWatchEmptyPrefixMatchesEverything(t *testing.T) {
	ctx := context.Background()
	engine := openTestEngine(t, database.Config{})
	m := engine.Map("pduid_pdu")

	ch := m.Watch(nil)
	if err := m.Put(ctx, database.EncodeCounter(1), []byte("pdu")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	testutil.RequireClosed(t, ch, 5*time.Second, "empty-prefix watch did not fire")
}

func TestCloseWakesAllWatchers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tuwunel.db")
	engine, err := database.Open(ctx, database.Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ch1 := engine.Map("global").Watch([]byte("never written"))
	ch2 := engine.Map("pduid_pdu").Watch([]byte("also never"))

	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	testutil.RequireClosed(t, ch1, 5*time.Second, "Close left a watcher blocked")
	testutil.RequireClosed(t, ch2, 5*time.Second, "Close left a watcher blocked")
}
