// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/drachma/drachma-bridge/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	groups := []struct {
		name  string
		tests []namedTest
	}{
		{"StringOperations", []namedTest{
			{"SetGet", testSetGet},
			{"GetNonExistent", testGetNonExistent},
			{"Overwrite", testOverwrite},
		}},
		{"KeyOperations", []namedTest{
			{"Exists", testExists},
		}},
		{"ListOperations", []namedTest{
			{"RPushOrder", testRPushOrder},
			{"LRange", testLRange},
			{"LRangeMissing", testLRangeMissing},
		}},
		{"MultiOperations", []namedTest{
			{"MGet", testMGet},
		}},
		{"HealthCheck", []namedTest{
			{"Ping", testPing},
		}},
	}

	for _, g := range groups {
		t.Run(g.name, func(t *testing.T) {
			for _, tt := range g.tests {
				t.Run(tt.name, func(t *testing.T) {
					store := factory(t)
					defer store.Close()
					tt.test(t, store)
				})
			}
		})
	}
}

type namedTest struct {
	name string
	test func(t *testing.T, store kv.Store)
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:string"
	value := []byte("hello world")

	if err := store.Set(ctx, key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !reflect.DeepEqual(result, value) {
		t.Fatalf("Expected %v, got %v", value, result)
	}
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	_, err := store.Get(context.Background(), "test:nonexistent")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func testOverwrite(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:overwrite"

	if err := store.Set(ctx, key, []byte("old")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, key, []byte("new")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(result) != "new" {
		t.Fatalf("Expected new, got %q", result)
	}
}

func testExists(t *testing.T, store kv.Store) {
	ctx := context.Background()

	store.Set(ctx, "test:exists1", []byte("value1"))
	store.RPush(ctx, "test:exists2", []byte("value2"))

	count, err := store.Exists(ctx, "test:exists1", "test:exists2", "test:nonexistent")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 existing keys, got %d", count)
	}
}

func testRPushOrder(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:list-order"

	length, err := store.RPush(ctx, key, []byte("a"), []byte("b"))
	if err != nil {
		t.Fatalf("RPush failed: %v", err)
	}
	if length != 2 {
		t.Fatalf("Expected length 2, got %d", length)
	}

	length, err = store.RPush(ctx, key, []byte("c"))
	if err != nil {
		t.Fatalf("RPush failed: %v", err)
	}
	if length != 3 {
		t.Fatalf("Expected length 3, got %d", length)
	}

	values, err := store.LRange(ctx, key, 0, -1)
	if err != nil {
		t.Fatalf("LRange failed: %v", err)
	}
	expected := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	if !reflect.DeepEqual(values, expected) {
		t.Fatalf("Expected %q, got %q", expected, values)
	}
}

func testLRange(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:list-range"

	store.RPush(ctx, key, []byte("value1"), []byte("value2"), []byte("value3"))

	values, err := store.LRange(ctx, key, 0, 1)
	if err != nil {
		t.Fatalf("LRange failed: %v", err)
	}

	expected := [][]byte{[]byte("value1"), []byte("value2")}
	if !reflect.DeepEqual(values, expected) {
		t.Fatalf("Expected %v, got %v", expected, values)
	}

	values, err = store.LRange(ctx, key, -1, -1)
	if err != nil {
		t.Fatalf("LRange failed: %v", err)
	}
	if len(values) != 1 || string(values[0]) != "value3" {
		t.Fatalf("Expected [value3], got %q", values)
	}
}

func testLRangeMissing(t *testing.T, store kv.Store) {
	_, err := store.LRange(context.Background(), "test:list-missing", 0, -1)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func testMGet(t *testing.T, store kv.Store) {
	ctx := context.Background()

	store.Set(ctx, "test:multi1", []byte("value1"))
	store.Set(ctx, "test:multi2", []byte("value2"))

	values, err := store.MGet(ctx, "test:multi1", "test:multi2", "test:nonexistent")
	if err != nil {
		t.Fatalf("MGet failed: %v", err)
	}

	if len(values) != 3 {
		t.Fatalf("Expected 3 values, got %d", len(values))
	}
	if !reflect.DeepEqual(values[0], []byte("value1")) {
		t.Fatalf("Expected value1, got %v", values[0])
	}
	if !reflect.DeepEqual(values[1], []byte("value2")) {
		t.Fatalf("Expected value2, got %v", values[1])
	}
	if values[2] != nil {
		t.Fatalf("Expected nil for non-existent key, got %v", values[2])
	}
}

func testPing(t *testing.T, store kv.Store) {
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed for healthy store: %v", err)
	}
}
