package deploy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct{ err error }

func (f fakeBuilder) Build(context.Context) error { return f.err }

type fakeSchema struct {
	dev, prod string
	applyErr  error
	applied   []string
}

func (f *fakeSchema) DevSchema(context.Context) (string, error)  { return f.dev, nil }
func (f *fakeSchema) ProdSchema(context.Context) (string, error) { return f.prod, nil }
func (f *fakeSchema) ApplyMigration(_ context.Context, stmts []string) error {
	f.applied = stmts
	return f.applyErr
}

type fakeAssets struct{ err error }

func (f fakeAssets) PushTarball(context.Context, string, io.Reader) error { return f.err }

type fakeBinary struct{ err error }

func (f fakeBinary) DeployBinary(context.Context, string, io.Reader) error { return f.err }

type fakeHealth struct {
	failures int
	calls    int
}

func (f *fakeHealth) Check(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("not ready")
	}
	return nil
}

func newPipeline(builder Builder, schema SchemaSource, assets AssetPusher, binary BinaryDeployer, health HealthChecker) *Pipeline {
	p := New(builder, nil, schema, assets, binary, health, clockwork.NewFakeClock())
	p.tarballOf = func(string) ([]byte, error) { return []byte("tarball"), nil }
	return p
}

// runAdvancingClock runs p in the background and advances its fake
// clock past each of the given number of health-check retry waits.
func runAdvancingClock(p *Pipeline, waits int) Report {
	clock := p.clock.(clockwork.FakeClock)
	done := make(chan Report, 1)
	go func() { done <- p.Run(context.Background(), Options{}, nil) }()
	for i := 0; i < waits; i++ {
		clock.BlockUntil(1)
		clock.Advance(2 * time.Second)
	}
	return <-done
}

func TestPipelineHappyPath(t *testing.T) {
	p := newPipeline(fakeBuilder{}, &fakeSchema{}, fakeAssets{}, fakeBinary{}, &fakeHealth{})
	report := p.Run(context.Background(), Options{AppID: "app-1"}, bytes.NewReader(nil))
	require.Equal(t, OutcomeSuccess, report.Outcome)
	require.Len(t, report.Steps, 6)
	for _, s := range report.Steps {
		require.True(t, s.OK, s.Step)
	}
}

func TestPipelineAbortsOnBuildFailure(t *testing.T) {
	p := newPipeline(fakeBuilder{err: errors.New("compile error")}, &fakeSchema{}, fakeAssets{}, fakeBinary{}, &fakeHealth{})
	report := p.Run(context.Background(), Options{}, nil)
	require.Equal(t, OutcomeAborted, report.Outcome)
	require.Len(t, report.Steps, 1, "no step after the failing build should run")
}

func TestPipelineAbortsOnAssetPushFailureBeforeBinaryDeploy(t *testing.T) {
	binary := fakeBinary{}
	p := newPipeline(fakeBuilder{}, &fakeSchema{}, fakeAssets{err: errors.New("network down")}, binary, &fakeHealth{})
	report := p.Run(context.Background(), Options{}, nil)
	require.Equal(t, OutcomeAborted, report.Outcome)

	var sawBinaryStep bool
	for _, s := range report.Steps {
		if s.Step == StepBinaryDeploy {
			sawBinaryStep = true
		}
	}
	require.False(t, sawBinaryStep, "binary deploy must not run after an earlier abort")
}

func TestPipelineHealthCheckFailureWarnsButDoesNotAbort(t *testing.T) {
	p := newPipeline(fakeBuilder{}, &fakeSchema{}, fakeAssets{}, fakeBinary{}, &fakeHealth{failures: 3})
	report := runAdvancingClock(p, 2)
	require.Equal(t, OutcomeCompletedWithWarning, report.Outcome)
}

func TestPipelineHealthCheckRetriesThenSucceeds(t *testing.T) {
	health := &fakeHealth{failures: 2}
	p := newPipeline(fakeBuilder{}, &fakeSchema{}, fakeAssets{}, fakeBinary{}, health)
	report := runAdvancingClock(p, 2)
	require.Equal(t, OutcomeSuccess, report.Outcome)
	require.Equal(t, 3, health.calls)
}

func TestParseSchemaSkipsInternalTables(t *testing.T) {
	schema := `CREATE TABLE "users" ("id" INTEGER PRIMARY KEY, "name" TEXT);
CREATE TABLE _dv_meta (k TEXT);
CREATE TABLE sqlite_sequence(name,seq);`
	tables := ParseSchema(schema)
	require.Contains(t, tables, "users")
	require.NotContains(t, tables, "_dv_meta")
	require.NotContains(t, tables, "sqlite_sequence")
	require.Equal(t, []Column{{Name: "id", Type: "INTEGER"}, {Name: "name", Type: "TEXT"}}, tables["users"])
}

func TestComputeDiffDetectsNewTableColumnAndTypeChange(t *testing.T) {
	dev := TableColumns{
		"users": {{Name: "id", Type: "INTEGER"}, {Name: "email", Type: "TEXT"}},
		"posts": {{Name: "id", Type: "INTEGER"}},
	}
	prod := TableColumns{
		"users": {{Name: "id", Type: "TEXT"}},
	}
	diff := ComputeDiff(dev, prod)
	require.Len(t, diff.NewTables, 1)
	require.Equal(t, "posts", diff.NewTables[0].Table)
	require.Len(t, diff.NewColumns, 1)
	require.Equal(t, "email", diff.NewColumns[0].Column)
	require.Len(t, diff.TypeChanges, 1)
	require.Equal(t, "id", diff.TypeChanges[0].Column)
}

func TestMigrationSQLOnlyEmitsCreateAndAlter(t *testing.T) {
	diff := Diff{
		NewTables:  []NewTable{{Table: "posts", Columns: []Column{{Name: "id", Type: "INTEGER"}}}},
		NewColumns: []ColumnRef{{Table: "users", Column: "email", Type: "TEXT"}},
	}
	stmts := MigrationSQL(diff)
	require.Equal(t, []string{
		`CREATE TABLE IF NOT EXISTS "posts" ("id" INTEGER);`,
		`ALTER TABLE "users" ADD COLUMN "email" TEXT;`,
	}, stmts)
}
