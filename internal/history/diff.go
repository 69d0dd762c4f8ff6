package history

import (
	"reflect"
	"strconv"

	"github.com/google/go-cmp/cmp"
	"github.com/matheus3301/thistory/internal/archive"
)

// Diff returns the structural differences between prior and next, one entry
// per differing leaf. A map key or slice element present on one side only is
// reported once at its own path, without descending into it.
func Diff(prior, next archive.Content) []archive.Change {
	var r changeReporter
	cmp.Equal(map[string]any(prior), map[string]any(next), cmp.Reporter(&r))
	return r.changes
}

type changeReporter struct {
	path    cmp.Path
	changes []archive.Change
}

func (r *changeReporter) PushStep(ps cmp.PathStep) {
	r.path = append(r.path, ps)
}

func (r *changeReporter) PopStep() {
	r.path = r.path[:len(r.path)-1]
}

func (r *changeReporter) Report(rs cmp.Result) {
	if rs.Equal() {
		return
	}
	vx, vy := r.path.Last().Values()
	c := archive.Change{Path: keysOf(r.path)}
	switch {
	case !vx.IsValid():
		c.Kind = archive.Added
		c.NewValue = valueOf(vy)
	case !vy.IsValid():
		c.Kind = archive.Removed
		c.OldValue = valueOf(vx)
	default:
		c.Kind = archive.Changed
		c.OldValue = valueOf(vx)
		c.NewValue = valueOf(vy)
	}
	r.changes = append(r.changes, c)
}

func keysOf(p cmp.Path) []string {
	keys := []string{}
	for _, step := range p {
		switch s := step.(type) {
		case cmp.MapIndex:
			keys = append(keys, s.Key().String())
		case cmp.SliceIndex:
			ix, iy := s.SplitKeys()
			if iy < 0 {
				iy = ix
			}
			keys = append(keys, strconv.Itoa(iy))
		}
	}
	return keys
}

func valueOf(v reflect.Value) any {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	return v.Interface()
}
