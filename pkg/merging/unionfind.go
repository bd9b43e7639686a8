package merging

// UnionFind is the in-process disjoint-set view of merge chains. Persistence
// stays a flat table (merged_into pointers); this cache keeps chain
// resolution cheap within a process so merges never reference a stale id.
type UnionFind struct {
	parent map[string]string
}

func NewUnionFind() *UnionFind {
	return &UnionFind{parent: make(map[string]string)}
}

// Find returns the current root for id, compressing the path as it goes.
func (u *UnionFind) Find(id string) string {
	root := id
	for {
		parent, ok := u.parent[root]
		if !ok || parent == root {
			break
		}
		root = parent
	}

	// Path compression
	for id != root {
		next := u.parent[id]
		u.parent[id] = root
		id = next
	}

	return root
}

// Union records that duplicate's tree now roots at survivor's root.
func (u *UnionFind) Union(survivorID, duplicateID string) {
	survivorRoot := u.Find(survivorID)
	duplicateRoot := u.Find(duplicateID)
	if survivorRoot == duplicateRoot {
		return
	}
	u.parent[duplicateRoot] = survivorRoot
}

// Record seeds a known merged_into edge loaded from the store.
func (u *UnionFind) Record(duplicateID, survivorID string) {
	if duplicateID == survivorID {
		return
	}
	u.parent[duplicateID] = survivorID
}
