package idgen_test

import (
	"sort"
	"testing"

	"github.com/artpar/quotagate/adapters/idgen"
	"github.com/google/uuid"
)

func TestUUID_NewIsV7(t *testing.T) {
	id := idgen.UUID{}.New()
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("Version = %d, want 7", parsed.Version())
	}
}

func TestUUID_NewIsOrdered(t *testing.T) {
	g := idgen.UUID{}
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = g.New()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("UUIDv7 IDs not in generation order")
	}
}

func TestSequential(t *testing.T) {
	g := idgen.NewSequential("evt-")
	if got := g.New(); got != "evt-1" {
		t.Errorf("first = %q, want evt-1", got)
	}
	if got := g.New(); got != "evt-2" {
		t.Errorf("second = %q, want evt-2", got)
	}
}
