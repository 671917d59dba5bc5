package session

// PositionIndex maps an identifier to its 1-based rank in the extracted sequence.
type PositionIndex map[string]int

// BuildPositionIndex ranks ids by first occurrence. Later duplicates keep the
// first ordinal, so the index may hold fewer entries than ids.
func BuildPositionIndex(ids []string) PositionIndex {
	idx := make(PositionIndex, len(ids))
	for i, id := range ids {
		if _, seen := idx[id]; seen {
			continue
		}
		idx[id] = i + 1
	}
	return idx
}

// Ordinal returns the rank of id, or fallback when id is unknown.
func (p PositionIndex) Ordinal(id string, fallback int) int {
	if ord, ok := p[id]; ok {
		return ord
	}
	return fallback
}

func (p PositionIndex) clone() PositionIndex {
	if p == nil {
		return nil
	}
	out := make(PositionIndex, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
