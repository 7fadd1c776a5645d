package runtime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/chronolake/chronolake/internal/catalog"
)

// datasetSignature hashes the inputs that define one dataset's runtime state:
// dataset identity and freshness, each manifest's identity/version/freshness,
// and the sorted set of partition ids. Identical inputs always hash
// identically; any partition, manifest, or dataset change shifts the hash.
func datasetSignature(ds *catalog.Dataset, manifests []*catalog.Manifest, partitionIDs []string) string {
	h := murmur3.New128()

	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	write("ds", ds.ID, ds.Slug, ds.Status, fmt.Sprintf("%d", ds.UpdatedAt.UnixMilli()))

	sorted := make([]*catalog.Manifest, len(manifests))
	copy(sorted, manifests)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, m := range sorted {
		write("m", m.ID, fmt.Sprintf("%d", m.Version), fmt.Sprintf("%d", m.UpdatedAt.UnixMilli()))
	}

	ids := make([]string, len(partitionIDs))
	copy(ids, partitionIDs)
	sort.Strings(ids)
	for _, id := range ids {
		write("p", id)
	}

	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// aggregateSignature hashes the per-dataset signatures in slug order into the
// context-wide signature used for connection cache keying.
func aggregateSignature(datasets []*DatasetContext) string {
	sorted := make([]*DatasetContext, len(datasets))
	copy(sorted, datasets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Dataset.Slug < sorted[j].Dataset.Slug })

	h := murmur3.New128()
	for _, dc := range sorted {
		h.Write([]byte(dc.Dataset.Slug))
		h.Write([]byte{0})
		h.Write([]byte(dc.Signature))
		h.Write([]byte{0})
	}
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// sanitizeViewName derives a valid SQL identifier from a dataset slug:
// non-alphanumeric runs become a single underscore, edge underscores are
// stripped, and digit-leading names get a "ds_" prefix. Returns whether the
// result differs from the slug.
func sanitizeViewName(slug string) (string, bool) {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "dataset"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "ds_" + name
	}
	return name, name != slug
}
