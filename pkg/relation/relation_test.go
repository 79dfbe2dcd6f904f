package relation_test

import (
	"testing"

	"github.com/openfga/kvrel/pkg/relation"
	"github.com/openfga/kvrel/pkg/relation/test"
	"github.com/openfga/kvrel/pkg/storage/memory"
)

func TestMemoryRelations(t *testing.T) {
	test.RunAllTests(t, memory.New())
}

func TestMemoryRelationsWithAtomicWrites(t *testing.T) {
	test.RunAllTests(t, memory.New(), relation.WithAtomicWrites())
}
