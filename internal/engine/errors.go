package engine

import "slices"

// maxTraceLen bounds each error trace. Older entries are dropped first.
const maxTraceLen = 20

// errorTrace is a bounded, oldest-first record of errors.
type errorTrace struct {
	items []error
}

func (t *errorTrace) Add(err error) {
	t.items = append(t.items, err)
	if len(t.items) > maxTraceLen {
		t.items = slices.Delete(t.items, 0, len(t.items)-maxTraceLen)
	}
}

func (t *errorTrace) List() []error {
	return slices.Clone(t.items)
}
