package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure"
)

type Hashable interface {
	Hash() string
}

type Identifier interface {
	ID() string
}

type (
	// Set keeps unique elements keyed by ID(), Hash() or a structural hash
	Set[T comparable] struct {
		hash    map[string]nothing
		storage map[string]T
	}

	nothing struct{}
)

func NewSet[T comparable](initial ...T) *Set[T] {
	s := &Set[T]{
		hash:    make(map[string]nothing),
		storage: make(map[string]T),
	}

	for _, v := range initial {
		s.Insert(v)
	}

	return s
}

func (st *Set[T]) Hash(elem T) string {
	if hashable, yes := any(elem).(Hashable); yes {
		return hashable.Hash()
	}

	if identifiable, yes := any(elem).(Identifier); yes {
		return identifiable.ID()
	}

	if str, yes := any(elem).(string); yes {
		return str
	}

	uniqueHash, err := hashstructure.Hash(elem, nil)
	if err != nil {
		return fmt.Sprint(elem)
	}

	return fmt.Sprintf("%d", uniqueHash)
}

// Find the difference between two sets
func (st *Set[T]) Difference(set *Set[T]) *Set[T] {
	difference := NewSet[T]()

	for k := range st.hash {
		if _, exists := set.hash[k]; !exists {
			difference.Insert(st.storage[k])
		}
	}

	return difference
}

// Add an element to the set
func (st *Set[T]) Insert(elements ...T) {
	for _, elem := range elements {
		hash := st.Hash(elem)
		if _, exists := st.hash[hash]; exists {
			continue
		}

		st.hash[hash] = nothing{}
		st.storage[hash] = elem
	}
}

// Return the number of items in the set
func (st *Set[T]) Len() int {
	return len(st.hash)
}

func (st *Set[T]) String() string {
	values := []string{}
	for _, value := range st.Array() {
		values = append(values, fmt.Sprint(value))
	}

	return fmt.Sprintf("[%s]", strings.Join(values, ", "))
}

// Array returns the elements ordered by their hash so that serialized sets are stable
func (st *Set[T]) Array() []T {
	keys := make([]string, 0, len(st.storage))
	for k := range st.storage {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	arr := make([]T, 0, len(keys))
	for _, k := range keys {
		arr = append(arr, st.storage[k])
	}

	return arr
}
