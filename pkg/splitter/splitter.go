// Package splitter partitions a table into disjoint key range chunks.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/datazip-inc/tidemark/constants"
	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/typeutils"
	"github.com/datazip-inc/tidemark/utils"
)

// ErrSamplingUnsupported is returned by a Source that cannot walk the key space of a table
var ErrSamplingUnsupported = errors.New("key sampling not supported")

// Source answers the statistics queries the splitter needs
type Source interface {
	// MinMax returns nil bounds for an empty table
	MinMax(ctx context.Context, schema *types.TableSchema, column string) (min, max any, err error)
	// ApproxRowCount may be stale; zero or less means unknown
	ApproxRowCount(ctx context.Context, schema *types.TableSchema) (int64, error)
	// NextChunkEnd returns the largest of the next chunkSize keys greater than after, nil when no key is left
	NextChunkEnd(ctx context.Context, schema *types.TableSchema, column string, after any, chunkSize int) (any, error)
}

type Config struct {
	ChunkSize               int
	DistributionFactorUpper float64
	DistributionFactorLower float64
}

func (c *Config) setDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = constants.DefaultChunkSize
	}
	if c.DistributionFactorUpper <= 0 {
		c.DistributionFactorUpper = constants.DefaultDistributionFactorUpper
	}
	if c.DistributionFactorLower <= 0 {
		c.DistributionFactorLower = constants.DefaultDistributionFactorLower
	}
}

type Splitter struct {
	source Source
	config Config
}

func New(source Source, config Config) *Splitter {
	config.setDefaults()
	return &Splitter{source: source, config: config}
}

// Split returns the chunks of the table ordered by lower bound. The first chunk
// has no lower bound and the last no upper bound, so rows written after
// planning outside [min, max] still belong to a chunk. An empty table has no chunks.
func (s *Splitter) Split(ctx context.Context, schema *types.TableSchema) ([]types.Chunk, error) {
	column, err := schema.KeyColumn()
	if err != nil {
		return nil, err
	}

	minValue, maxValue, err := s.source.MinMax(ctx, schema, column.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch min max of table[%s]: %w", schema.ID(), err)
	}
	if minValue == nil {
		logger.Infof("table[%s] is empty, no chunks planned", schema.ID())
		return nil, nil
	}
	if minValue, err = typeutils.NormalizeBound(column.Type, minValue); err != nil {
		return nil, fmt.Errorf("%w: min of column[%s] in table[%s]: %s", types.ErrPlanning, column.Name, schema.ID(), err)
	}
	if maxValue, err = typeutils.NormalizeBound(column.Type, maxValue); err != nil {
		return nil, fmt.Errorf("%w: max of column[%s] in table[%s]: %s", types.ErrPlanning, column.Name, schema.ID(), err)
	}

	logger.Infof("table[%s] key[%s] extremes - min: %s, max: %s", schema.ID(), column.Name, utils.ConvertToString(minValue), utils.ConvertToString(maxValue))
	if utils.CompareInterfaceValue(minValue, maxValue) >= 0 {
		return boundariesToChunks(schema.Table, nil), nil
	}

	var boundaries []any
	evenly := false
	if column.Type == types.Int32 || column.Type == types.Int64 {
		rowCount, err := s.source.ApproxRowCount(ctx, schema)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch approx row count of table[%s]: %w", schema.ID(), err)
		}
		if boundaries, evenly = s.evenBoundaries(minValue, maxValue, rowCount); evenly {
			for idx, boundary := range boundaries {
				if boundaries[idx], err = typeutils.NormalizeBound(column.Type, boundary); err != nil {
					return nil, fmt.Errorf("%w: chunk boundary of column[%s] in table[%s]: %s", types.ErrPlanning, column.Name, schema.ID(), err)
				}
			}
		}
	}

	if !evenly {
		boundaries, err = s.walk(ctx, schema, column, minValue, maxValue)
		if errors.Is(err, ErrSamplingUnsupported) {
			logger.Warnf("table[%s] key[%s] cannot be sampled, reading it as a single chunk", schema.ID(), column.Name)
			boundaries, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	chunks := boundariesToChunks(schema.Table, boundaries)
	logger.Infof("table[%s] split into %d chunks (evenly[%t])", schema.ID(), len(chunks), evenly)
	return chunks, nil
}

// evenBoundaries splits integer keys by arithmetic when they are dense enough.
// It reports false when the key space has to be walked instead.
func (s *Splitter) evenBoundaries(minValue, maxValue any, rowCount int64) ([]any, bool) {
	low, lerr := typeutils.ReformatInt64(minValue)
	high, herr := typeutils.ReformatInt64(maxValue)
	if lerr != nil || herr != nil || rowCount <= 0 {
		return nil, false
	}

	factor := (float64(high) - float64(low) + 1) / float64(rowCount)
	if factor < s.config.DistributionFactorLower || factor > s.config.DistributionFactorUpper {
		logger.Debugf("distribution factor[%.4f] outside [%.4f, %.4f], walking key space", factor, s.config.DistributionFactorLower, s.config.DistributionFactorUpper)
		return nil, false
	}

	size := math.Ceil(float64(s.config.ChunkSize) * factor)
	if size >= math.MaxInt64 {
		return nil, false
	}
	step := max(int64(size), 1)

	boundaries := []any{}
	for end := low; high-end >= step; {
		end += step
		boundaries = append(boundaries, end)
	}
	return boundaries, true
}

// walk finds boundaries by asking the source for the chunk end after each boundary
func (s *Splitter) walk(ctx context.Context, schema *types.TableSchema, column types.Column, minValue, maxValue any) ([]any, error) {
	boundaries := []any{}
	cursor := minValue
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end, err := s.source.NextChunkEnd(ctx, schema, column.Name, cursor, s.config.ChunkSize)
		if err != nil {
			if errors.Is(err, ErrSamplingUnsupported) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to get next chunk end after[%s] in table[%s]: %w", utils.ConvertToString(cursor), schema.ID(), err)
		}
		if end == nil {
			return boundaries, nil
		}
		if end, err = typeutils.NormalizeBound(column.Type, end); err != nil {
			return nil, fmt.Errorf("%w: chunk end of column[%s] in table[%s]: %s", types.ErrPlanning, column.Name, schema.ID(), err)
		}
		// the remaining keys up to max form the last, unbounded chunk
		if utils.CompareInterfaceValue(end, maxValue) >= 0 || utils.CompareInterfaceValue(end, cursor) <= 0 {
			return boundaries, nil
		}

		boundaries = append(boundaries, end)
		cursor = end
	}
}

func boundariesToChunks(table types.TableID, boundaries []any) []types.Chunk {
	chunks := make([]types.Chunk, 0, len(boundaries)+1)
	var lower any
	for _, upper := range boundaries {
		chunks = append(chunks, types.NewChunk(table, len(chunks), lower, upper))
		lower = upper
	}
	return append(chunks, types.NewChunk(table, len(chunks), lower, nil))
}
