// Package memdb is an in-memory database with a change log. It implements the
// chunk, snapshot and log source interfaces so the engine can run without a server.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/datazip-inc/tidemark/pkg/splitter"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/utils"
)

const firstOffset = 100

type table struct {
	schema *types.TableSchema
	key    string
	rows   map[string]types.Record
}

type entry struct {
	position  types.Position
	timestamp time.Time
	event     *types.ChangeEvent
}

// DB is safe for concurrent use
type DB struct {
	mu      sync.Mutex
	tables  map[string]*table
	log     []entry
	offset  uint64
	purged  types.Position
	changed chan struct{}

	scanHook            func(chunk types.Chunk)
	scanFailures        int
	subscribeFailures   int
	breakAfter          int
	noSampling          bool
	approxRowCountScale float64
}

func New() *DB {
	return &DB{
		tables:              make(map[string]*table),
		offset:              firstOffset,
		changed:             make(chan struct{}),
		approxRowCountScale: 1,
	}
}

// CreateTable registers an empty table; the schema must have a usable key column
func (db *DB) CreateTable(schema *types.TableSchema) error {
	column, err := schema.KeyColumn()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables[schema.ID()] = &table{schema: schema.Clone(), key: column.Name, rows: make(map[string]types.Record)}
	return nil
}

func (db *DB) Schema(_ context.Context, id types.TableID) (*types.TableSchema, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(id)
	if err != nil {
		return nil, err
	}
	return t.schema.Clone(), nil
}

func (db *DB) Tables() []types.TableID {
	db.mu.Lock()
	defer db.mu.Unlock()
	tables := make([]types.TableID, 0, len(db.tables))
	for _, t := range db.tables {
		tables = append(tables, t.schema.Table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID() < tables[j].ID() })
	return tables
}

func (db *DB) Insert(id types.TableID, record types.Record) (types.Position, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(id)
	if err != nil {
		return types.Position{}, err
	}

	rowID := t.schema.RowID(record)
	if _, exists := t.rows[rowID]; exists {
		return types.Position{}, fmt.Errorf("duplicate key %v in table[%s]", record[t.key], id)
	}
	t.rows[rowID] = copyRecord(record)
	return db.append(&types.ChangeEvent{Table: id, Operation: types.Insert, RowID: rowID, Key: record[t.key], After: copyRecord(record)}), nil
}

// Update replaces the row with the same primary key
func (db *DB) Update(id types.TableID, record types.Record) (types.Position, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(id)
	if err != nil {
		return types.Position{}, err
	}

	rowID := t.schema.RowID(record)
	before, exists := t.rows[rowID]
	if !exists {
		return types.Position{}, fmt.Errorf("no row with key %v in table[%s]", record[t.key], id)
	}
	t.rows[rowID] = copyRecord(record)
	return db.append(&types.ChangeEvent{Table: id, Operation: types.Update, RowID: rowID, Key: record[t.key], Before: before, After: copyRecord(record)}), nil
}

// Delete removes the row whose key column equals key
func (db *DB) Delete(id types.TableID, key any) (types.Position, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(id)
	if err != nil {
		return types.Position{}, err
	}

	for rowID, row := range t.rows {
		if utils.CompareInterfaceValue(row[t.key], key) == 0 {
			delete(t.rows, rowID)
			return db.append(&types.ChangeEvent{Table: id, Operation: types.Delete, RowID: rowID, Key: key, Before: row}), nil
		}
	}
	return types.Position{}, fmt.Errorf("no row with key %v in table[%s]", key, id)
}

// Heartbeat advances the log without a change
func (db *DB) Heartbeat() types.Position {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.append(nil)
}

// Purge drops the log up to and including position
func (db *DB) Purge(position types.Position) {
	db.mu.Lock()
	defer db.mu.Unlock()
	idx := sort.Search(len(db.log), func(i int) bool { return db.log[i].position.After(position) })
	db.log = append([]entry(nil), db.log[idx:]...)
	db.purged = position
}

// OnScan runs hook after a chunk's rows were read and before they are returned,
// the moment a concurrent writer races the snapshot.
func (db *DB) OnScan(hook func(chunk types.Chunk)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.scanHook = hook
}

// FailScans makes the next n chunk scans fail with a transient error
func (db *DB) FailScans(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.scanFailures = n
}

// FailSubscriptions makes the next n subscriptions fail with a transient error
func (db *DB) FailSubscriptions(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.subscribeFailures = n
}

// BreakSubscriptionAfter drops the next subscription after it delivered n records
func (db *DB) BreakSubscriptionAfter(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.breakAfter = n
}

// DisableSampling makes NextChunkEnd report splitter.ErrSamplingUnsupported
func (db *DB) DisableSampling() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.noSampling = true
}

// ScaleRowCount skews the row count estimate like stale table statistics
func (db *DB) ScaleRowCount(scale float64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.approxRowCountScale = scale
}

func (db *DB) MinMax(_ context.Context, schema *types.TableSchema, column string) (any, any, error) {
	keys, err := db.keys(schema.Table, column, nil)
	if err != nil || len(keys) == 0 {
		return nil, nil, err
	}
	return keys[0], keys[len(keys)-1], nil
}

func (db *DB) ApproxRowCount(_ context.Context, schema *types.TableSchema) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(schema.Table)
	if err != nil {
		return 0, err
	}
	return int64(float64(len(t.rows)) * db.approxRowCountScale), nil
}

func (db *DB) NextChunkEnd(_ context.Context, schema *types.TableSchema, column string, after any, chunkSize int) (any, error) {
	db.mu.Lock()
	unsupported := db.noSampling
	db.mu.Unlock()
	if unsupported {
		return nil, splitter.ErrSamplingUnsupported
	}

	keys, err := db.keys(schema.Table, column, after)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	return keys[min(chunkSize, len(keys))-1], nil
}

func (db *DB) CurrentPosition(_ context.Context) (types.Position, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return types.Position{Offset: db.offset}, nil
}

func (db *DB) ScanChunk(ctx context.Context, schema *types.TableSchema, chunk types.Chunk, onRow func(types.Record) error) error {
	column, err := schema.KeyColumn()
	if err != nil {
		return err
	}

	db.mu.Lock()
	if db.scanFailures > 0 {
		db.scanFailures--
		db.mu.Unlock()
		return fmt.Errorf("%w: connection reset while scanning %s", types.ErrTransient, chunk)
	}
	t, err := db.table(schema.Table)
	if err != nil {
		db.mu.Unlock()
		return err
	}
	rows := []types.Record{}
	for _, row := range t.rows {
		if chunk.Contains(row[column.Name]) {
			rows = append(rows, copyRecord(row))
		}
	}
	hook := db.scanHook
	db.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		return utils.CompareInterfaceValue(rows[i][column.Name], rows[j][column.Name]) < 0
	})
	if hook != nil {
		hook(chunk)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) Subscribe(_ context.Context, start types.Position) (tailer.Subscription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.subscribeFailures > 0 {
		db.subscribeFailures--
		return nil, fmt.Errorf("%w: connection refused", types.ErrTransient)
	}
	if !db.purged.IsZero() && start.Before(db.purged) {
		return nil, fmt.Errorf("%w: position %s is older than the retained log starting after %s", types.ErrDataLoss, start, db.purged)
	}

	budget := -1
	if db.breakAfter > 0 {
		budget = db.breakAfter
		db.breakAfter = 0
	}
	return &subscription{db: db, reported: start, budget: budget}, nil
}

// Decode unpacks the change event carried by records of this database
func (db *DB) Decode(_ context.Context, record tailer.RawRecord) ([]*types.ChangeEvent, error) {
	event, ok := record.Data.(*types.ChangeEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected record payload %T", record.Data)
	}
	clone := *event
	clone.Position = record.Position
	clone.Timestamp = record.Timestamp
	return []*types.ChangeEvent{&clone}, nil
}

func (db *DB) table(id types.TableID) (*table, error) {
	t, found := db.tables[id.ID()]
	if !found {
		return nil, fmt.Errorf("table[%s] does not exist", id)
	}
	return t, nil
}

// keys returns the sorted non-null values of column greater than after (all when after is nil)
func (db *DB) keys(id types.TableID, column string, after any) ([]any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(id)
	if err != nil {
		return nil, err
	}

	keys := []any{}
	for _, row := range t.rows {
		value := row[column]
		if value == nil || (after != nil && utils.CompareInterfaceValue(value, after) <= 0) {
			continue
		}
		keys = append(keys, value)
	}
	sort.Slice(keys, func(i, j int) bool { return utils.CompareInterfaceValue(keys[i], keys[j]) < 0 })
	return keys, nil
}

// append must be called with db.mu held; a nil event is a heartbeat
func (db *DB) append(event *types.ChangeEvent) types.Position {
	db.offset++
	position := types.Position{Offset: db.offset}
	db.log = append(db.log, entry{position: position, timestamp: time.Now().UTC(), event: event})
	close(db.changed)
	db.changed = make(chan struct{})
	return position
}

type subscription struct {
	db       *DB
	reported types.Position
	budget   int
	closed   bool
}

// Next returns the next log record. Once caught up it reports the current
// position as a progress record and then waits for new changes.
func (s *subscription) Next(ctx context.Context) (tailer.RawRecord, error) {
	for {
		s.db.mu.Lock()
		if s.closed {
			s.db.mu.Unlock()
			return tailer.RawRecord{}, fmt.Errorf("%w: subscription closed", types.ErrTransient)
		}
		if s.budget == 0 {
			s.db.mu.Unlock()
			return tailer.RawRecord{}, fmt.Errorf("%w: replication connection dropped", types.ErrTransient)
		}

		if record, ok := s.pending(); ok {
			if s.budget > 0 {
				s.budget--
			}
			s.db.mu.Unlock()
			return record, nil
		}

		current := types.Position{Offset: s.db.offset}
		if current.After(s.reported) {
			s.reported = current
			s.db.mu.Unlock()
			return tailer.RawRecord{Position: current}, nil
		}
		wait := s.db.changed
		s.db.mu.Unlock()

		select {
		case <-ctx.Done():
			return tailer.RawRecord{}, ctx.Err()
		case <-wait:
		}
	}
}

// pending returns the next unread entry; the log slice may have been purged or grown since Subscribe
func (s *subscription) pending() (tailer.RawRecord, bool) {
	idx := sort.Search(len(s.db.log), func(i int) bool { return s.db.log[i].position.After(s.reported) })
	if idx >= len(s.db.log) {
		return tailer.RawRecord{}, false
	}

	e := s.db.log[idx]
	s.reported = e.position
	record := tailer.RawRecord{Position: e.position, Timestamp: e.timestamp}
	if e.event != nil {
		record.Data = e.event
	}
	return record, true
}

func (s *subscription) Close() error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.closed = true
	return nil
}

func copyRecord(record types.Record) types.Record {
	if record == nil {
		return nil
	}
	clone := make(types.Record, len(record))
	for key, value := range record {
		clone[key] = value
	}
	return clone
}
