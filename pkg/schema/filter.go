package schema

import (
	"fmt"

	"github.com/datazip-inc/tidemark/types"
	"github.com/gobwas/glob"
)

// Filter selects tables by "namespace.table" glob patterns. Exclusions win
// over inclusions and no inclusion pattern includes every table.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

func NewFilter(include, exclude []string) (*Filter, error) {
	filter := &Filter{}
	for _, pattern := range include {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.include = append(filter.include, g)
	}
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid excluded table pattern %q: %w", pattern, err)
		}
		filter.exclude = append(filter.exclude, g)
	}
	return filter, nil
}

func (f *Filter) Match(table types.TableID) bool {
	id := table.ID()
	for _, g := range f.exclude {
		if g.Match(id) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(id) {
			return true
		}
	}
	return false
}

func (f *Filter) Select(tables []types.TableID) []types.TableID {
	selected := []types.TableID{}
	for _, table := range tables {
		if f.Match(table) {
			selected = append(selected, table)
		}
	}
	return selected
}
