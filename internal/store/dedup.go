package store

// Dedup is the set of alert ids already in the store. Not safe for
// concurrent use.
type Dedup struct {
	items map[string]struct{}
}

func NewDedup(ids ...string) *Dedup {
	d := &Dedup{items: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		d.Mark(id)
	}
	return d
}

func (d *Dedup) Seen(id string) bool {
	_, ok := d.items[id]
	return ok
}

func (d *Dedup) Mark(id string) {
	d.items[id] = struct{}{}
}

func (d *Dedup) Len() int { return len(d.items) }
