package task

import "strings"

// DiffAssignees は旧担当者リストと新担当者リストの差分を返す。
// addedは新リストの順序、removedは旧リストの順序を保ち、重複は1回だけ数える。
func DiffAssignees(oldIDs, newIDs []string) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(oldIDs))
	for _, id := range oldIDs {
		oldSet[id] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newIDs))
	for _, id := range newIDs {
		newSet[id] = struct{}{}
	}

	seen := make(map[string]struct{}, len(newIDs))
	for _, id := range newIDs {
		if _, ok := oldSet[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		added = append(added, id)
	}

	clear(seen)
	for _, id := range oldIDs {
		if _, ok := newSet[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		removed = append(removed, id)
	}
	return added, removed
}

// NormalizeAssignees は空白を除去し、空のIDと重複を取り除く。順序は保つ。
func NormalizeAssignees(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
