package memtable

// RefMemTableList snapshots the active MemTable plus every sealed
// MemTable still awaiting flush, in read-priority order (active first),
// taking a reference on each so a concurrent flush or seal cannot
// invalidate them out from under an in-flight Get or scan. The caller
// must pass the returned slice to UnRefMemTableList once done.
func RefMemTableList(active *MemTable, sealed []*MemTable) []*MemTable {
	snapshot := make([]*MemTable, 0, len(sealed)+1)
	snapshot = append(snapshot, active)
	snapshot = append(snapshot, sealed...)

	for _, mt := range snapshot {
		mt.Ref()
	}
	return snapshot
}

// UnRefMemTableList drops one reference on every MemTable in snapshot.
func UnRefMemTableList(snapshot []*MemTable) {
	for _, mt := range snapshot {
		mt.UnRef()
	}
}
