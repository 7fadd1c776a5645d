package runtime

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/chronolake/chronolake/internal/catalog"
)

func sigFixture() (*catalog.Dataset, []*catalog.Manifest, []string) {
	ds := &catalog.Dataset{
		ID:        "ds-1",
		Slug:      "sensor-metrics",
		Status:    catalog.DatasetStatusActive,
		UpdatedAt: time.UnixMilli(1700000000000),
	}
	manifests := []*catalog.Manifest{
		{ID: "m-1", Version: 1, UpdatedAt: time.UnixMilli(1700000000000)},
		{ID: "m-2", Version: 2, UpdatedAt: time.UnixMilli(1700000100000)},
	}
	return ds, manifests, []string{"p-1", "p-2", "p-3"}
}

func TestDatasetSignatureDeterministic(t *testing.T) {
	ds, manifests, ids := sigFixture()

	a := datasetSignature(ds, manifests, ids)
	b := datasetSignature(ds, manifests, ids)
	if a != b {
		t.Fatalf("same inputs produced %s and %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("signature %q is not 32 hex chars", a)
	}
}

func TestDatasetSignatureIgnoresInputOrder(t *testing.T) {
	ds, manifests, ids := sigFixture()

	base := datasetSignature(ds, manifests, ids)

	reversedManifests := []*catalog.Manifest{manifests[1], manifests[0]}
	reversedIDs := []string{"p-3", "p-2", "p-1"}
	if got := datasetSignature(ds, reversedManifests, reversedIDs); got != base {
		t.Fatalf("reordered inputs changed signature: %s vs %s", got, base)
	}
}

func TestDatasetSignatureSensitivity(t *testing.T) {
	ds, manifests, ids := sigFixture()
	base := datasetSignature(ds, manifests, ids)

	t.Run("partition id", func(t *testing.T) {
		if got := datasetSignature(ds, manifests, []string{"p-1", "p-2", "p-4"}); got == base {
			t.Fatal("changed partition set did not change signature")
		}
	})
	t.Run("manifest version", func(t *testing.T) {
		bumped := []*catalog.Manifest{manifests[0], {ID: "m-2", Version: 3, UpdatedAt: manifests[1].UpdatedAt}}
		if got := datasetSignature(ds, bumped, ids); got == base {
			t.Fatal("bumped manifest version did not change signature")
		}
	})
	t.Run("dataset updated_at", func(t *testing.T) {
		touched := *ds
		touched.UpdatedAt = ds.UpdatedAt.Add(time.Millisecond)
		if got := datasetSignature(&touched, manifests, ids); got == base {
			t.Fatal("touched dataset did not change signature")
		}
	})
	t.Run("dataset status", func(t *testing.T) {
		retired := *ds
		retired.Status = catalog.DatasetStatusRetired
		if got := datasetSignature(&retired, manifests, ids); got == base {
			t.Fatal("status change did not change signature")
		}
	})
}

func TestDatasetSignatureProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genIDs := gen.SliceOf(gen.Identifier())

	properties.Property("permutation invariant", prop.ForAll(
		func(ids []string) bool {
			ds, manifests, _ := sigFixture()
			base := datasetSignature(ds, manifests, ids)

			reversed := make([]string, len(ids))
			for i, id := range ids {
				reversed[len(ids)-1-i] = id
			}
			return datasetSignature(ds, manifests, reversed) == base
		},
		genIDs,
	))

	properties.Property("extra partition changes hash", prop.ForAll(
		func(ids []string, extra string) bool {
			ds, manifests, _ := sigFixture()
			base := datasetSignature(ds, manifests, ids)
			for _, id := range ids {
				if id == extra {
					return true
				}
			}
			return datasetSignature(ds, manifests, append(ids, extra)) != base
		},
		genIDs, gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestAggregateSignatureSlugOrderInvariant(t *testing.T) {
	a := &DatasetContext{Dataset: &catalog.Dataset{Slug: "alpha"}, Signature: "sig-a"}
	b := &DatasetContext{Dataset: &catalog.Dataset{Slug: "beta"}, Signature: "sig-b"}

	fwd := aggregateSignature([]*DatasetContext{a, b})
	rev := aggregateSignature([]*DatasetContext{b, a})
	if fwd != rev {
		t.Fatalf("dataset order changed aggregate signature: %s vs %s", fwd, rev)
	}

	changed := &DatasetContext{Dataset: &catalog.Dataset{Slug: "beta"}, Signature: "sig-b2"}
	if got := aggregateSignature([]*DatasetContext{a, changed}); got == fwd {
		t.Fatal("changed dataset signature did not change aggregate")
	}
}

func TestSanitizeViewName(t *testing.T) {
	tests := []struct {
		slug    string
		want    string
		changed bool
	}{
		{"sensor_metrics", "sensor_metrics", false},
		{"sensor-metrics", "sensor_metrics", true},
		{"sensor--metrics!!v2", "sensor_metrics_v2", true},
		{"--edge--", "edge", true},
		{"2024-data", "ds_2024_data", true},
		{"!!!", "dataset", true},
		{"", "dataset", true},
	}
	for _, tt := range tests {
		got, changed := sanitizeViewName(tt.slug)
		if got != tt.want || changed != tt.changed {
			t.Errorf("sanitizeViewName(%q) = %q, %v, want %q, %v", tt.slug, got, changed, tt.want, tt.changed)
		}
	}
}
