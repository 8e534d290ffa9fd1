package types

import (
	"fmt"
	"strings"

	"github.com/datazip-inc/tidemark/utils"
)

type TableID struct {
	Namespace string `json:"namespace" msgpack:"namespace"`
	Name      string `json:"name" msgpack:"name"`
}

func (t TableID) ID() string {
	return utils.TableIdentifier(t.Name, t.Namespace)
}

func (t TableID) String() string {
	return t.ID()
}

// ParseTableID splits "namespace.name"; a value without a dot is a bare table name
func ParseTableID(value string) TableID {
	namespace, name, found := strings.Cut(value, ".")
	if !found {
		return TableID{Name: value}
	}
	return TableID{Namespace: namespace, Name: name}
}

type Column struct {
	Name     string   `json:"name" msgpack:"name"`
	Type     DataType `json:"type" msgpack:"type"`
	Nullable bool     `json:"nullable" msgpack:"nullable"`
}

// TableSchema is the column set and key of a table as captured at planning time
type TableSchema struct {
	Table      TableID  `json:"table" msgpack:"table"`
	Columns    []Column `json:"columns" msgpack:"columns"`
	PrimaryKey []string `json:"primary_key" msgpack:"primary_key"`
	// ChunkKey overrides the column used to split the table; defaults to the first primary key column
	ChunkKey string `json:"chunk_key,omitempty" msgpack:"chunk_key,omitempty"`
}

func (s *TableSchema) ID() string {
	return s.Table.ID()
}

func (s *TableSchema) Column(name string) (Column, bool) {
	idx, found := utils.ArrayContains(s.Columns, func(c Column) bool { return c.Name == name })
	if !found {
		return Column{}, false
	}
	return s.Columns[idx], true
}

func (s *TableSchema) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

// KeyColumn returns the column chunks are split on
func (s *TableSchema) KeyColumn() (Column, error) {
	name := s.ChunkKey
	if name == "" {
		if len(s.PrimaryKey) == 0 {
			return Column{}, fmt.Errorf("%w: table[%s] has no primary key and no chunk key column configured", ErrPlanning, s.ID())
		}
		name = s.PrimaryKey[0]
	}

	column, found := s.Column(name)
	if !found {
		return Column{}, fmt.Errorf("%w: chunk key column[%s] not found in table[%s]", ErrPlanning, name, s.ID())
	}
	if !column.Type.RangeComparable() {
		return Column{}, fmt.Errorf("%w: chunk key column[%s] of table[%s] has type[%s] which is not usable for range comparison", ErrPlanning, name, s.ID(), column.Type)
	}

	return column, nil
}

// RowID identifies a row by its primary key values; tables without a key hash the whole record
func (s *TableSchema) RowID(record Record) string {
	return utils.GetKeysHash(record, s.PrimaryKey...)
}

func (s *TableSchema) Clone() *TableSchema {
	clone := *s
	clone.Columns = append([]Column(nil), s.Columns...)
	clone.PrimaryKey = append([]string(nil), s.PrimaryKey...)
	return &clone
}
