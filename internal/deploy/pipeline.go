package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
)

// StepName identifies one pipeline step.
type StepName string

const (
	StepBuild           StepName = "build"
	StepFrontendBuild   StepName = "frontend_build"
	StepSchemaMigration StepName = "schema_migration"
	StepAssetPush       StepName = "asset_push"
	StepBinaryDeploy    StepName = "binary_deploy"
	StepHealthCheck     StepName = "health_check"
)

// StepResult is one line of the deploy report.
type StepResult struct {
	Step    StepName
	OK      bool
	Skipped bool
	Message string
}

// Outcome summarizes the whole pipeline run.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeAborted             Outcome = "aborted"
	OutcomeCompletedWithWarning Outcome = "completed_with_warnings"
)

// Report is the full deploy pipeline result.
type Report struct {
	Outcome Outcome
	Steps   []StepResult
}

// Builder runs `cargo build --release`-equivalent steps. Production
// implementations shell out via os/exec; tests supply a fake.
type Builder interface {
	Build(ctx context.Context) error
}

// SchemaSource fetches raw `.schema` output for dev and prod.
type SchemaSource interface {
	DevSchema(ctx context.Context) (string, error)
	ProdSchema(ctx context.Context) (string, error)
	ApplyMigration(ctx context.Context, statements []string) error
}

// AssetPusher POSTs a tarball to the control plane's /prod/push
// endpoint.
type AssetPusher interface {
	PushTarball(ctx context.Context, remotePath string, tarball io.Reader) error
}

// BinaryDeployer POSTs the compiled binary to
// /applications/{app_id}/deploy.
type BinaryDeployer interface {
	DeployBinary(ctx context.Context, appID string, binary io.Reader) error
}

// HealthChecker polls the deployed app's health endpoint.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Options controls which steps run and in dry-run mode.
type Options struct {
	AppID             string
	SkipFrontendBuild bool
	SkipSchema        bool
	SkipAssetPush     bool
	DryRun            bool
	FrontendDistDir   string // used to build the tarball for asset push
}

// Pipeline wires the six deploy steps behind injected collaborators,
// any of which may be nil; a nil collaborator's step is reported as
// skipped, the same as a step turned off by Options' skip flags.
type Pipeline struct {
	builder      Builder
	frontend     Builder
	schema       SchemaSource
	assets       AssetPusher
	binary       BinaryDeployer
	health       HealthChecker
	clock        clockwork.Clock
	tarballOf    func(distDir string) ([]byte, error)
}

// New constructs a Pipeline. Any collaborator may be nil; the
// corresponding step is then reported as skipped.
func New(builder, frontend Builder, schema SchemaSource, assets AssetPusher, binary BinaryDeployer, health HealthChecker, clock clockwork.Clock) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		builder:   builder,
		frontend:  frontend,
		schema:    schema,
		assets:    assets,
		binary:    binary,
		health:    health,
		clock:     clock,
		tarballOf: tarGzDirPlaceholder,
	}
}

// Run executes the pipeline: a failure in steps 1-5 (up to and
// including the binary deploy) aborts the remaining steps; a failing
// step 6 (health check) only downgrades the outcome to "completed with
// warnings". Skipped steps are reported with OK set.
func (p *Pipeline) Run(ctx context.Context, opts Options, binary io.Reader) Report {
	var report Report
	report.Outcome = OutcomeSuccess

	add := func(r StepResult) { report.Steps = append(report.Steps, r) }
	aborted := func() bool { return report.Outcome == OutcomeAborted }

	// 1. Build
	if p.builder == nil {
		add(StepResult{Step: StepBuild, OK: true, Skipped: true})
	} else if opts.DryRun {
		add(StepResult{Step: StepBuild, OK: true, Skipped: true, Message: "dry-run"})
	} else if err := p.builder.Build(ctx); err != nil {
		add(StepResult{Step: StepBuild, OK: false, Message: err.Error()})
		report.Outcome = OutcomeAborted
	} else {
		add(StepResult{Step: StepBuild, OK: true})
	}
	if aborted() {
		return report
	}

	// 2. Optional frontend build
	if opts.SkipFrontendBuild || p.frontend == nil {
		add(StepResult{Step: StepFrontendBuild, OK: true, Skipped: true})
	} else if opts.DryRun {
		add(StepResult{Step: StepFrontendBuild, OK: true, Skipped: true, Message: "dry-run"})
	} else if err := p.frontend.Build(ctx); err != nil {
		add(StepResult{Step: StepFrontendBuild, OK: false, Message: err.Error()})
		report.Outcome = OutcomeAborted
	} else {
		add(StepResult{Step: StepFrontendBuild, OK: true})
	}
	if aborted() {
		return report
	}

	// 3. Schema migration
	if opts.SkipSchema || p.schema == nil {
		add(StepResult{Step: StepSchemaMigration, OK: true, Skipped: true})
	} else if err := p.runSchemaStep(ctx, opts.DryRun, add); err != nil {
		report.Outcome = OutcomeAborted
	}
	if aborted() {
		return report
	}

	// 4. Frontend asset push
	if opts.SkipAssetPush || p.assets == nil {
		add(StepResult{Step: StepAssetPush, OK: true, Skipped: true})
	} else if opts.DryRun {
		add(StepResult{Step: StepAssetPush, OK: true, Skipped: true, Message: "dry-run"})
	} else if err := p.runAssetPushStep(ctx, opts.FrontendDistDir); err != nil {
		add(StepResult{Step: StepAssetPush, OK: false, Message: err.Error()})
		report.Outcome = OutcomeAborted
	} else {
		add(StepResult{Step: StepAssetPush, OK: true})
	}
	if aborted() {
		return report
	}

	// 5. Binary deploy — the last step whose failure aborts; past this
	// point, failures only warn.
	if p.binary == nil {
		add(StepResult{Step: StepBinaryDeploy, OK: true, Skipped: true})
	} else if opts.DryRun {
		add(StepResult{Step: StepBinaryDeploy, OK: true, Skipped: true, Message: "dry-run"})
	} else if err := p.binary.DeployBinary(ctx, opts.AppID, binary); err != nil {
		add(StepResult{Step: StepBinaryDeploy, OK: false, Message: err.Error()})
		report.Outcome = OutcomeAborted
		return report
	} else {
		add(StepResult{Step: StepBinaryDeploy, OK: true})
	}

	// 6. Health check
	if p.health == nil {
		add(StepResult{Step: StepHealthCheck, OK: true, Skipped: true})
		return report
	}
	if opts.DryRun {
		add(StepResult{Step: StepHealthCheck, OK: true, Skipped: true, Message: "dry-run"})
		return report
	}
	if err := p.pollHealth(ctx); err != nil {
		add(StepResult{Step: StepHealthCheck, OK: false, Message: err.Error()})
		report.Outcome = OutcomeCompletedWithWarning
	} else {
		add(StepResult{Step: StepHealthCheck, OK: true})
	}

	return report
}

func (p *Pipeline) runSchemaStep(ctx context.Context, dryRun bool, add func(StepResult)) error {
	devRaw, err := p.schema.DevSchema(ctx)
	if err != nil {
		add(StepResult{Step: StepSchemaMigration, OK: false, Message: fmt.Sprintf("read dev schema: %v", err)})
		return err
	}
	prodRaw, err := p.schema.ProdSchema(ctx)
	if err != nil {
		add(StepResult{Step: StepSchemaMigration, OK: false, Message: fmt.Sprintf("read prod schema: %v", err)})
		return err
	}

	diff := ComputeDiff(ParseSchema(devRaw), ParseSchema(prodRaw))
	statements := MigrationSQL(diff)

	if dryRun || len(statements) == 0 {
		add(StepResult{Step: StepSchemaMigration, OK: true, Skipped: dryRun, Message: fmt.Sprintf("%d statement(s) computed", len(statements))})
		return nil
	}

	if err := p.schema.ApplyMigration(ctx, statements); err != nil {
		add(StepResult{Step: StepSchemaMigration, OK: false, Message: err.Error()})
		return err
	}
	add(StepResult{Step: StepSchemaMigration, OK: true, Message: fmt.Sprintf("%d statement(s) applied", len(statements))})
	return nil
}

func (p *Pipeline) runAssetPushStep(ctx context.Context, distDir string) error {
	tarball, err := p.tarballOf(distDir)
	if err != nil {
		return fmt.Errorf("build asset tarball: %w", err)
	}
	return p.assets.PushTarball(ctx, "/opt/app/static", bytes.NewReader(tarball))
}

// pollHealth polls up to 3 times, 2 seconds apart.
func (p *Pipeline) pollHealth(ctx context.Context) error {
	const attempts = 3
	const spacing = 2 * time.Second

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(spacing):
			}
		}
		if lastErr = p.health.Check(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// tarGzDirPlaceholder is swapped out by tests that don't want to touch
// the filesystem; the real implementation lives in tarball.go.
func tarGzDirPlaceholder(distDir string) ([]byte, error) {
	return tarGzDir(distDir)
}
