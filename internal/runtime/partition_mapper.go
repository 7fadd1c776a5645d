package runtime

import (
	"context"
	"fmt"

	"github.com/chronolake/chronolake/internal/catalog"
)

// PartitionExecContext is the execution-ready projection of one partition.
type PartitionExecContext struct {
	Partition *catalog.Partition
	Target    *catalog.StorageTarget
	Location  string
	TableName string
	StartTime int64
	EndTime   int64
	RowCount  int64
	SizeBytes int64
}

// targetCache memoizes storage target lookups, including negative results,
// so one unresolvable target id does not hit the catalog once per partition.
type targetCache struct {
	store    CatalogReader
	resolved map[string]*catalog.StorageTarget
	missing  map[string]bool
}

func newTargetCache(store CatalogReader) *targetCache {
	return &targetCache{
		store:    store,
		resolved: make(map[string]*catalog.StorageTarget),
		missing:  make(map[string]bool),
	}
}

func (c *targetCache) get(ctx context.Context, id string) (*catalog.StorageTarget, error) {
	if t, ok := c.resolved[id]; ok {
		return t, nil
	}
	if c.missing[id] {
		return nil, nil
	}

	t, err := c.store.GetStorageTargetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		c.missing[id] = true
		return nil, nil
	}
	c.resolved[id] = t
	return t, nil
}

// mapPartitions projects raw partitions into execution contexts. It is a
// filtering map: a non-native file format, an unresolvable storage target,
// or a resolve failure skips that partition with a warning and never aborts
// the build.
func mapPartitions(ctx context.Context, partitions []*catalog.Partition, targets *targetCache, fallbackTable string, warnings *[]string) []*PartitionExecContext {
	out := make([]*PartitionExecContext, 0, len(partitions))

	for _, p := range partitions {
		if p.FileFormat != catalog.WriteFormatNative {
			*warnings = append(*warnings, fmt.Sprintf("partition %s has non-native format %q, skipped", p.ID, p.FileFormat))
			continue
		}

		target, err := targets.get(ctx, p.StorageTargetID)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("partition %s storage target lookup failed: %v, skipped", p.ID, err))
			continue
		}
		if target == nil {
			*warnings = append(*warnings, fmt.Sprintf("partition %s references missing storage target %s, skipped", p.ID, p.StorageTargetID))
			continue
		}

		location, err := ResolveLocation(p, target)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("partition %s location unresolvable: %v, skipped", p.ID, err))
			continue
		}

		out = append(out, &PartitionExecContext{
			Partition: p,
			Target:    target,
			Location:  location,
			TableName: p.TableName(fallbackTable),
			StartTime: p.StartTime,
			EndTime:   p.EndTime,
			RowCount:  p.RowCount,
			SizeBytes: p.SizeBytes,
		})
	}
	return out
}
