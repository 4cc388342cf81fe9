package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultsandbox/resetcheck/resetflow"
)

func report(flow string, n int) *resetflow.Report {
	return &resetflow.Report{
		RunID:   fmt.Sprintf("00000000-0000-0000-0000-%012d", n),
		Flow:    flow,
		Started: time.Date(2026, 1, 1, 0, n, 0, 0, time.UTC),
		Passed:  n%2 == 0,
	}
}

func runIDs(reports []*resetflow.Report) []string {
	ids := make([]string, len(reports))
	for i, r := range reports {
		ids[i] = r.RunID[len(r.RunID)-2:]
	}
	return ids
}

func TestMemoryStore_Recent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	got, err := s.Recent(ctx, "shop", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.Record(ctx, report("shop", i)))
	}
	got, _ = s.Recent(ctx, "shop", 10)
	assert.Equal(t, []string{"02", "01"}, runIDs(got))

	for i := 3; i <= 5; i++ {
		s.Record(ctx, report("shop", i))
	}
	got, _ = s.Recent(ctx, "shop", 0)
	assert.Equal(t, []string{"05", "04", "03"}, runIDs(got))

	got, _ = s.Recent(ctx, "shop", 2)
	assert.Equal(t, []string{"05", "04"}, runIDs(got))
}

func TestMemoryStore_FlowsAreSeparate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	s.Record(ctx, report("shop", 1))
	s.Record(ctx, report("blog", 2))

	got, _ := s.Recent(ctx, "blog", 5)
	require.Len(t, got, 1)
	assert.Equal(t, "blog", got[0].Flow)
}

func TestMemoryStore_MinimumSize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	s.Record(ctx, report("shop", 1))
	s.Record(ctx, report("shop", 2))

	got, _ := s.Recent(ctx, "shop", 5)
	assert.Equal(t, []string{"02"}, runIDs(got))
}

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	execErr error
	docs    [][]byte
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql, args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	limit := args[1].(int)
	docs := f.docs
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return &fakeRows{docs: docs, i: -1}, nil
}

type fakeRows struct {
	docs [][]byte
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.docs)
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*[]byte)) = r.docs[r.i]
	return nil
}

func TestPostgresStore_CreatesSchema(t *testing.T) {
	db := &fakeDB{}
	_, err := newPostgresStore(context.Background(), db, nil)
	require.NoError(t, err)
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "CREATE TABLE IF NOT EXISTS reset_runs")
}

func TestPostgresStore_SchemaError(t *testing.T) {
	_, err := newPostgresStore(context.Background(), &fakeDB{execErr: errors.New("permission denied")}, nil)
	assert.ErrorContains(t, err, "permission denied")
}

func TestPostgresStore_Record(t *testing.T) {
	db := &fakeDB{}
	s, err := newPostgresStore(context.Background(), db, nil)
	require.NoError(t, err)

	r := report("shop", 7)
	r.Duration = 1500 * time.Millisecond
	r.Error = "create inbox: boom"
	require.NoError(t, s.Record(context.Background(), r))

	require.Len(t, db.execs, 2)
	call := db.execs[1]
	assert.True(t, strings.Contains(call.sql, "INSERT INTO reset_runs"))
	assert.Equal(t, r.RunID, call.args[0])
	assert.Equal(t, "shop", call.args[1])
	assert.Equal(t, int64(1500), call.args[4])
	assert.Equal(t, "create inbox: boom", call.args[6])

	var decoded resetflow.Report
	require.NoError(t, json.Unmarshal(call.args[7].([]byte), &decoded))
	assert.Equal(t, r.RunID, decoded.RunID)
}

func TestPostgresStore_RecordError(t *testing.T) {
	db := &fakeDB{}
	s, _ := newPostgresStore(context.Background(), db, nil)
	db.execErr = errors.New("connection reset")

	err := s.Record(context.Background(), report("shop", 1))
	assert.ErrorContains(t, err, "insert reset run")
}

func TestPostgresStore_Recent(t *testing.T) {
	var docs [][]byte
	for _, n := range []int{3, 2, 1} {
		doc, _ := json.Marshal(report("shop", n))
		docs = append(docs, doc)
	}
	s, _ := newPostgresStore(context.Background(), &fakeDB{docs: docs}, nil)

	got, err := s.Recent(context.Background(), "shop", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"03", "02"}, runIDs(got))
}
