// Package executor implements the Cross-Partition Query Executor (spec
// §4.9, C9): fans a query out to every partition a Router selects, with a
// bounded overall timeout and four aggregation strategies. Grounded on
// original_source's cross_partition.py for the aggregation semantics
// (UNION/MERGE/INTERSECT/FIRST) and partial-failure-as-data shape;
// parallel fan-out uses golang.org/x/sync/errgroup in place of asyncio's
// gather(return_exceptions=True), which the teacher's pack (jordigilh's
// go.mod) establishes as the idiomatic Go analogue.
package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgehq/forge/pkg/partition"
)

// Aggregation selects how per-partition results are combined.
type Aggregation string

const (
	AggregationUnion     Aggregation = "union"
	AggregationMerge     Aggregation = "merge"
	AggregationIntersect Aggregation = "intersect"
	AggregationFirst     Aggregation = "first"
)

// Record is one result row; it carries an optional ID used for
// dedup/intersect, matching original_source's result.get("id") fallback to
// result.get("capsule_id").
type Record map[string]interface{}

func (r Record) id() (string, bool) {
	if v, ok := r["id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	if v, ok := r["capsule_id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// PartitionResult is the outcome of querying a single partition.
type PartitionResult struct {
	PartitionID   string
	Records       []Record
	ExecutionTime time.Duration
	Success       bool
	Error         string
}

// Result aggregates PartitionResults across every partition queried.
type Result struct {
	PartitionResults    []PartitionResult
	Aggregated          []Record
	TotalExecutionTime  time.Duration
	PartitionsQueried   int
	PartitionsSucceeded int
	Aggregation         Aggregation
}

// QueryFunc executes query against one partition, bounded to maxResults.
type QueryFunc func(ctx context.Context, partitionID string, query string, params map[string]interface{}, maxResults int) ([]Record, error)

// Stats tracks running executor-wide query statistics.
type Stats struct {
	QueriesExecuted        int64
	CrossPartitionQueries  int64
	TotalPartitionsQueried int64
	AvgExecutionTime       time.Duration
}

// Executor fans queries out across partitions and aggregates the results.
type Executor struct {
	router *partition.Router
	query  QueryFunc

	mu    sync.Mutex
	stats Stats
}

// New constructs an Executor routing through router and calling query for
// each selected partition.
func New(router *partition.Router, query QueryFunc) *Executor {
	return &Executor{router: router, query: query}
}

// Execute routes the query via predicates, fans it out to every selected
// partition bounded by timeout, and aggregates the results per aggregation.
// Partitions that error or exceed the deadline contribute a failed
// PartitionResult rather than aborting the whole call.
func (e *Executor) Execute(ctx context.Context, query string, predicates partition.Predicates, params map[string]interface{}, aggregation Aggregation, timeout time.Duration, maxResultsPerPartition int) (*Result, error) {
	start := time.Now()

	e.mu.Lock()
	e.stats.QueriesExecuted++
	e.mu.Unlock()

	scope, partitionIDs := e.router.Route(predicates)
	if scope != partition.ScopeSingle {
		e.mu.Lock()
		e.stats.CrossPartitionQueries++
		e.mu.Unlock()
	}
	e.mu.Lock()
	e.stats.TotalPartitionsQueried += int64(len(partitionIDs))
	e.mu.Unlock()

	partitionResults := e.executeParallel(ctx, partitionIDs, query, params, timeout, maxResultsPerPartition)

	aggregated := aggregate(partitionResults, aggregation)

	elapsed := time.Since(start)
	e.updateAvg(elapsed)

	var succeeded int
	for _, pr := range partitionResults {
		if pr.Success {
			succeeded++
		}
	}

	return &Result{
		PartitionResults:    partitionResults,
		Aggregated:          aggregated,
		TotalExecutionTime:  elapsed,
		PartitionsQueried:   len(partitionIDs),
		PartitionsSucceeded: succeeded,
		Aggregation:         aggregation,
	}, nil
}

func (e *Executor) executeParallel(ctx context.Context, partitionIDs []string, query string, params map[string]interface{}, timeout time.Duration, maxResults int) []PartitionResult {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]PartitionResult, len(partitionIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, pid := range partitionIDs {
		i, pid := i, pid
		g.Go(func() error {
			results[i] = e.executeOnPartition(gctx, pid, query, params, maxResults)
			return nil
		})
	}
	// errgroup's WithContext cancels gctx on the first returned error, but
	// executeOnPartition never returns one (failures become PartitionResult
	// data). Wait returns once every partition's call has returned; the
	// timeout reaches a QueryFunc only through gctx, so one that ignores its
	// context keeps Wait running past the deadline.
	_ = g.Wait()

	// Every goroutine fills its slot before Wait returns; this loop guards
	// against an empty slot by marking it as a failed result.
	for i, pid := range partitionIDs {
		if results[i].PartitionID == "" {
			results[i] = PartitionResult{PartitionID: pid, Success: false, Error: ctx.Err().Error()}
		}
	}

	return results
}

func (e *Executor) executeOnPartition(ctx context.Context, partitionID, query string, params map[string]interface{}, maxResults int) PartitionResult {
	start := time.Now()

	if e.query == nil {
		return PartitionResult{PartitionID: partitionID, Records: nil, ExecutionTime: time.Since(start), Success: true}
	}

	records, err := e.query(ctx, partitionID, query, params, maxResults)
	elapsed := time.Since(start)
	if err != nil {
		return PartitionResult{PartitionID: partitionID, ExecutionTime: elapsed, Success: false, Error: err.Error()}
	}
	if len(records) > maxResults {
		records = records[:maxResults]
	}
	return PartitionResult{PartitionID: partitionID, Records: records, ExecutionTime: elapsed, Success: true}
}

func (e *Executor) updateAvg(elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.stats.QueriesExecuted
	if n <= 1 {
		e.stats.AvgExecutionTime = elapsed
		return
	}
	e.stats.AvgExecutionTime = time.Duration((int64(e.stats.AvgExecutionTime)*(n-1) + int64(elapsed)) / n)
}

// GetStats returns a snapshot of the executor's running statistics.
func (e *Executor) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func aggregate(results []PartitionResult, aggregation Aggregation) []Record {
	var all []Record
	for _, r := range results {
		if r.Success {
			all = append(all, r.Records...)
		}
	}

	switch aggregation {
	case AggregationMerge:
		seen := map[string]bool{}
		var merged []Record
		for _, rec := range all {
			id, hasID := rec.id()
			if hasID {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			merged = append(merged, rec)
		}
		return merged

	case AggregationIntersect:
		return intersect(results, all)

	case AggregationFirst:
		if len(all) == 0 {
			return nil
		}
		return all[:1]

	default: // AggregationUnion
		return all
	}
}

func intersect(results []PartitionResult, all []Record) []Record {
	var firstIDs map[string]bool
	for _, r := range results {
		if r.Success && len(r.Records) > 0 {
			firstIDs = map[string]bool{}
			for _, rec := range r.Records {
				if id, ok := rec.id(); ok {
					firstIDs[id] = true
				}
			}
			break
		}
	}
	if len(firstIDs) == 0 {
		return nil
	}

	for _, r := range results {
		if !r.Success {
			continue
		}
		partitionIDs := map[string]bool{}
		for _, rec := range r.Records {
			if id, ok := rec.id(); ok {
				partitionIDs[id] = true
			}
		}
		for id := range firstIDs {
			if !partitionIDs[id] {
				delete(firstIDs, id)
			}
		}
	}

	var out []Record
	seen := map[string]bool{}
	for _, rec := range all {
		id, ok := rec.id()
		if !ok || !firstIDs[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, rec)
	}
	return out
}
