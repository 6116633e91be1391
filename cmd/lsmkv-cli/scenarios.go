package main

import (
	"fmt"

	"lsmkv"
)

// runScenarios drives the end-to-end scenario battery against a fresh
// database rooted at opts.Path: durability across a simulated crash,
// shadowing between the memtable and disk, compaction preserving the
// newest version of a key, tombstone lifecycle, and ranged scan
// semantics. Each scenario opens and closes its own database so a
// failure in one does not corrupt the fixture for the next.
func runScenarios(opts *lsmkv.Options) error {
	scenarios := []struct {
		name string
		run  func(*lsmkv.Options) error
	}{
		{"durability", scenarioDurability},
		{"shadowing", scenarioShadowing},
		{"compaction preserves newest", scenarioCompactionPreservesNewest},
		{"tombstone lifecycle", scenarioTombstoneLifecycle},
		{"scan", scenarioScan},
	}

	for _, s := range scenarios {
		sub := *opts
		sub.Path = opts.Path + "-" + sanitize(s.name)
		if err := s.run(&sub); err != nil {
			return fmt.Errorf("scenario %q: %w", s.name, err)
		}
	}
	return nil
}

func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for _, c := range []byte(name) {
		if c == ' ' {
			out = append(out, '-')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// scenarioDurability: put("User:100", "Alice"); drop the handle without
// closing (simulating a crash); reopen; get must still return "Alice"
// because the WAL is fsynced before Put returns.
func scenarioDurability(opts *lsmkv.Options) error {
	db, err := lsmkv.Open(opts)
	if err != nil {
		return err
	}
	if err := db.Put([]byte("User:100"), []byte("Alice")); err != nil {
		return err
	}
	// No db.Close() here: simulate a crash before a clean shutdown.

	db2, err := lsmkv.Open(opts)
	if err != nil {
		return fmt.Errorf("reopen after crash: %w", err)
	}
	defer db2.Close()

	v, err := db2.Get([]byte("User:100"))
	if err != nil {
		return fmt.Errorf("get after reopen: %w", err)
	}
	if string(v) != "Alice" {
		return fmt.Errorf("expected %q, got %q", "Alice", v)
	}
	return nil
}

// scenarioShadowing: put("k","v1"); flush; put("k","v2"); get must
// return "v2" even though "v1" is already durable in an L0 SSTable.
func scenarioShadowing(opts *lsmkv.Options) error {
	db, err := lsmkv.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Put([]byte("k"), []byte("v1")); err != nil {
		return err
	}
	if err := db.Flush(); err != nil {
		return err
	}
	if err := db.Put([]byte("k"), []byte("v2")); err != nil {
		return err
	}
	v, err := db.Get([]byte("k"))
	if err != nil {
		return err
	}
	if string(v) != "v2" {
		return fmt.Errorf("expected %q, got %q", "v2", v)
	}
	return nil
}

// scenarioCompactionPreservesNewest: three flushed generations of the
// same key, then a forced compaction; the newest value must survive.
func scenarioCompactionPreservesNewest(opts *lsmkv.Options) error {
	opts.L0CompactionTrigger = 3
	db, err := lsmkv.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, v := range []string{"v1", "v2", "v3"} {
		if err := db.Put([]byte("k"), []byte(v)); err != nil {
			return err
		}
		if err := db.Flush(); err != nil {
			return err
		}
	}
	if err := db.CompactAll(); err != nil {
		return err
	}
	value, err := db.Get([]byte("k"))
	if err != nil {
		return err
	}
	if string(value) != "v3" {
		return fmt.Errorf("expected %q, got %q", "v3", value)
	}
	return nil
}

// scenarioTombstoneLifecycle: put+flush, delete+flush; get must report
// absent immediately, and stay absent after a further compaction drops
// the tombstone at the final level.
func scenarioTombstoneLifecycle(opts *lsmkv.Options) error {
	opts.L0CompactionTrigger = 2
	db, err := lsmkv.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		return err
	}
	if err := db.Flush(); err != nil {
		return err
	}
	if err := db.Delete([]byte("k")); err != nil {
		return err
	}
	if err := db.Flush(); err != nil {
		return err
	}
	if _, err := db.Get([]byte("k")); err != lsmkv.ErrNotFound {
		return fmt.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := db.CompactAll(); err != nil {
		return err
	}
	if _, err := db.Get([]byte("k")); err != lsmkv.ErrNotFound {
		return fmt.Errorf("expected ErrNotFound after compaction, got %v", err)
	}
	return nil
}

// scenarioScan: insert a, b, c, d; flush; delete b; scan [a, c] must
// yield exactly a and c, in order, with no trace of the deleted key.
func scenarioScan(opts *lsmkv.Options) error {
	db, err := lsmkv.Open(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}} {
		if err := db.Put([]byte(kv[0]), []byte(kv[1])); err != nil {
			return err
		}
	}
	if err := db.Flush(); err != nil {
		return err
	}
	if err := db.Delete([]byte("b")); err != nil {
		return err
	}

	// db.Scan's upper bound is exclusive (the usual Go half-open
	// convention); widen by one byte to get the spec's inclusive-on-both-ends
	// behavior, same trick runScan uses for the SCAN command.
	it, err := db.Scan([]byte("a"), append([]byte("c"), 0))
	if err != nil {
		return err
	}
	defer it.Close()

	var got [][2]string
	for it.Valid() {
		got = append(got, [2]string{string(it.Key()), string(it.Value())})
		it.Next()
	}
	if err := it.Error(); err != nil {
		return err
	}

	want := [][2]string{{"a", "1"}, {"c", "3"}}
	if len(got) != len(want) {
		return fmt.Errorf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("expected %v, got %v", want, got)
		}
	}
	return nil
}
