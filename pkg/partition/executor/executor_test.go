package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forgehq/forge/pkg/partition"
)

func newRouterWithPartitions(t *testing.T, names ...string) *partition.Router {
	t.Helper()
	m := partition.New(partition.WithConfig(partition.Config{Enabled: true, MaxCapsulesPerPartition: 1000}))
	for _, n := range names {
		m.CreatePartition(n, partition.StrategyDomain, []string{n}, 1000)
	}
	return partition.NewRouter(m)
}

func TestExecuteUnionKeepsDuplicates(t *testing.T) {
	router := newRouterWithPartitions(t, "a", "b")

	q := func(ctx context.Context, partitionID, query string, params map[string]interface{}, maxResults int) ([]Record, error) {
		return []Record{{"id": "x"}}, nil
	}

	e := New(router, q)
	result, err := e.Execute(context.Background(), "search", partition.Predicates{}, nil, AggregationUnion, time.Second, 100)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Aggregated) < 2 {
		t.Fatalf("expected union to keep duplicates across partitions, got %d records", len(result.Aggregated))
	}
}

func TestExecuteMergeDeduplicatesByID(t *testing.T) {
	router := newRouterWithPartitions(t, "a", "b")

	q := func(ctx context.Context, partitionID, query string, params map[string]interface{}, maxResults int) ([]Record, error) {
		return []Record{{"id": "shared"}}, nil
	}

	e := New(router, q)
	result, err := e.Execute(context.Background(), "search", partition.Predicates{}, nil, AggregationMerge, time.Second, 100)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Aggregated) != 1 {
		t.Fatalf("expected merge to deduplicate to 1 record, got %d", len(result.Aggregated))
	}
}

func TestExecuteIntersectKeepsOnlyCommonIDs(t *testing.T) {
	router := newRouterWithPartitions(t, "a", "b")

	// Deterministic per-partition responses: "default" sees both ids, "a"
	// and "b" only see "common" — only "common" should survive intersect.
	q := func(ctx context.Context, partitionID, query string, params map[string]interface{}, maxResults int) ([]Record, error) {
		if partitionID == "default" {
			return []Record{{"id": "common"}, {"id": "only-in-default"}}, nil
		}
		return []Record{{"id": "common"}}, nil
	}

	e := New(router, q)
	result, err := e.Execute(context.Background(), "search", partition.Predicates{}, nil, AggregationIntersect, time.Second, 100)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Aggregated) != 1 {
		t.Fatalf("expected intersect to return exactly one deduplicated record, got %d: %v", len(result.Aggregated), result.Aggregated)
	}
	if id, _ := result.Aggregated[0].id(); id != "common" {
		t.Fatalf("expected only the common id to survive intersect, got %v", result.Aggregated)
	}
}

func TestExecuteFirstReturnsAtMostOneRecord(t *testing.T) {
	router := newRouterWithPartitions(t, "a", "b")

	q := func(ctx context.Context, partitionID, query string, params map[string]interface{}, maxResults int) ([]Record, error) {
		return []Record{{"id": "x"}, {"id": "y"}}, nil
	}

	e := New(router, q)
	result, err := e.Execute(context.Background(), "search", partition.Predicates{}, nil, AggregationFirst, time.Second, 100)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Aggregated) != 1 {
		t.Fatalf("expected exactly 1 record for FIRST aggregation, got %d", len(result.Aggregated))
	}
}

func TestExecuteSurfacesPartialFailureWithoutAbortingOthers(t *testing.T) {
	router := newRouterWithPartitions(t, "a", "b")

	q := func(ctx context.Context, partitionID, query string, params map[string]interface{}, maxResults int) ([]Record, error) {
		if partitionID == "default" {
			return nil, errors.New("boom")
		}
		return []Record{{"id": "ok"}}, nil
	}

	e := New(router, q)
	result, err := e.Execute(context.Background(), "search", partition.Predicates{}, nil, AggregationUnion, time.Second, 100)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.PartitionsSucceeded == result.PartitionsQueried {
		t.Fatal("expected at least one partition to have failed")
	}
	var sawFailure bool
	for _, pr := range result.PartitionResults {
		if !pr.Success && pr.Error == "" {
			t.Fatal("failed partition result must carry an error message")
		}
		if !pr.Success {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("expected a failed PartitionResult for the erroring partition")
	}
}

func TestExecuteRespectsTimeout(t *testing.T) {
	router := newRouterWithPartitions(t, "a")

	q := func(ctx context.Context, partitionID, query string, params map[string]interface{}, maxResults int) ([]Record, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return []Record{{"id": "late"}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e := New(router, q)
	start := time.Now()
	result, err := e.Execute(context.Background(), "search", partition.Predicates{}, nil, AggregationUnion, 20*time.Millisecond, 100)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Fatal("expected Execute to honor the short timeout rather than wait for the slow query")
	}
	for _, pr := range result.PartitionResults {
		if pr.Success {
			t.Fatal("expected the slow partition query to fail on timeout")
		}
	}
}
