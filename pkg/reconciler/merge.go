package reconciler

// MergeRemote folds another client's write into this client's local lines
// without losing local intent. For each product:
//
//	localDelta = local - max(prevServer, remote), clamped at 0
//	merged     = max(remote + localDelta, 0)
//
// A local decrease relative to what this client already knew is treated as
// intentional and not re-added; increments made since the last sync are
// re-applied on top of the other client's state. This is a documented
// heuristic, not a CRDT: a client that misses several push/pull cycles can
// mis-attribute quantity to local intent.
func MergeRemote(local, prevServer, remote map[int64]int) map[int64]int {
	merged := make(map[int64]int, len(remote)+len(local))
	for id, qty := range remote {
		if qty > 0 {
			merged[id] = qty
		}
	}
	for id, localQty := range local {
		base := prevServer[id]
		if r := remote[id]; r > base {
			base = r
		}
		delta := localQty - base
		if delta < 0 {
			delta = 0
		}
		if qty := remote[id] + delta; qty > 0 {
			merged[id] = qty
		} else {
			delete(merged, id)
		}
	}
	return merged
}

func snapshotsEqual(a, b map[int64]int) bool {
	if len(a) != len(b) {
		return false
	}
	for id, qty := range a {
		if b[id] != qty {
			return false
		}
	}
	return true
}
