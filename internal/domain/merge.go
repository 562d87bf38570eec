package domain

// MergeGuest combines a guest cart into an authenticated user's cart at
// login. The merge is additive: items accumulated while anonymous are new
// items being brought into the user's cart, not concurrent edits of the same
// cart. For each product the guest contribution is the larger of what was
// last persisted for the guest and what the client currently holds locally,
// since the client may be ahead of its last push.
func MergeGuest(user, guestStored, clientLocal Snapshot) Snapshot {
	merged := user.Clone()
	seen := make(map[int64]struct{}, len(guestStored)+len(clientLocal))
	for id := range guestStored {
		seen[id] = struct{}{}
	}
	for id := range clientLocal {
		seen[id] = struct{}{}
	}
	for id := range seen {
		guest := guestStored[id]
		if local := clientLocal[id]; local > guest {
			guest = local
		}
		if qty := merged[id] + guest; qty > 0 {
			merged[id] = qty
		}
	}
	return merged
}
