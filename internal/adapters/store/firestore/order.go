package firestore

import (
	"sort"

	gcfs "cloud.google.com/go/firestore"
)

// appendOrder reorders the Added changes of one snapshot by creation time,
// then document id. Firestore reports them in document id order, which for
// auto ids is random. Other changes keep their positions.
func appendOrder(changes []gcfs.DocumentChange) []gcfs.DocumentChange {
	var slots []int
	for i, ch := range changes {
		if ch.Kind == gcfs.DocumentAdded {
			slots = append(slots, i)
		}
	}
	if len(slots) < 2 {
		return changes
	}
	added := make([]gcfs.DocumentChange, len(slots))
	for i, slot := range slots {
		added[i] = changes[slot]
	}
	sort.SliceStable(added, func(i, j int) bool { return createdBefore(added[i].Doc, added[j].Doc) })

	out := append([]gcfs.DocumentChange(nil), changes...)
	for i, slot := range slots {
		out[slot] = added[i]
	}
	return out
}

func createdBefore(a, b *gcfs.DocumentSnapshot) bool {
	if !a.CreateTime.Equal(b.CreateTime) {
		return a.CreateTime.Before(b.CreateTime)
	}
	return a.Ref.ID < b.Ref.ID
}
