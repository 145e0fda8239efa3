package buildstate

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relicta-tech/wtguard/internal/errors"
	"github.com/relicta-tech/wtguard/internal/fileutil"
)

//go:embed build-state.schema.json
var schemaJSON []byte

const schemaURL = "https://relicta.tech/wtguard/build-state.schema.json"

// maxStateSize caps the size of a state file that will be parsed.
const maxStateSize = 4 << 20

// BranchChecker reports whether a local branch exists.
type BranchChecker interface {
	BranchExists(ctx context.Context, name string) (bool, error)
}

// Status classifies the on-disk state for callers deciding whether to resume.
type Status string

const (
	StatusNotFound  Status = "not_found"
	StatusValid     Status = "valid"
	StatusCorrupted Status = "corrupted"
	StatusStale     Status = "stale"
)

// Inspection is the result of Inspect.
type Inspection struct {
	Status Status
	// Record is set for valid and stale states.
	Record *Record
	// Err explains a corrupted or stale status.
	Err error
}

// Tracker reads and writes the build state file. It is not safe for
// concurrent writers in different processes; one batch run owns the file.
type Tracker struct {
	path     string
	branches BranchChecker
	schema   *jsonschema.Schema
	logger   *log.Logger
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a tracker for the state file at path. branches may be
// nil, in which case records are never judged stale.
func NewTracker(path string, branches BranchChecker, opts ...Option) (*Tracker, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, errors.InternalWrap(err, "buildstate.NewTracker", "failed to compile state schema")
	}
	t := &Tracker{
		path:     path,
		branches: branches,
		schema:   schema,
		logger:   log.New(io.Discard),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(schemaURL)
}

// Path returns the state file path.
func (t *Tracker) Path() string {
	return t.path
}

// Save validates and atomically writes the snapshot. The run id and creation
// timestamp of an existing record for the same integration branch are kept.
func (t *Tracker) Save(ctx context.Context, snap Snapshot) error {
	const op = "buildstate.Save"

	if err := ctx.Err(); err != nil {
		return err
	}

	now := t.now().UTC()
	rec := &Record{Version: Version, UpdatedAt: now}
	snap.apply(rec)

	if prev, err := t.read(); err == nil && prev.IntegrationBranch == rec.IntegrationBranch {
		rec.RunID = prev.RunID
		rec.Timestamp = prev.Timestamp
	}
	if rec.RunID == "" {
		rec.RunID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}

	if err := rec.Validate(); err != nil {
		return errors.ValidationWrap(err, op, "refusing to save invalid build state")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.InternalWrap(err, op, "failed to encode build state")
	}
	data = append(data, '\n')

	if err := fileutil.AtomicWriteFile(t.path, data, 0o644); err != nil {
		return errors.IOWrap(err, op, "failed to write build state").WithDetail("path", t.path)
	}

	t.logger.Debug("saved build state", "path", t.path, "completed", len(rec.Completed),
		"remaining", len(rec.Remaining), "failed", rec.FailedUnit())
	return nil
}

// Load returns the validated record.
//
// A missing file matches errors.ErrStateNotFound. Unparsable content, a
// schema violation or an invariant violation matches errors.ErrStateCorrupted.
// A record whose integration branch no longer exists matches
// errors.ErrStateStale and is returned alongside the error.
func (t *Tracker) Load(ctx context.Context) (*Record, error) {
	const op = "buildstate.Load"

	rec, err := t.read()
	if err != nil {
		return nil, err
	}

	if t.branches != nil {
		exists, err := t.branches.BranchExists(ctx, rec.IntegrationBranch)
		if err != nil {
			return nil, err
		}
		if !exists {
			return rec, errors.From(errors.ErrStateStale, op,
				fmt.Sprintf("integration branch %q no longer exists", rec.IntegrationBranch), nil).
				WithDetail("integration_branch", rec.IntegrationBranch)
		}
	}
	return rec, nil
}

// read loads and structurally validates the file without the branch check.
func (t *Tracker) read() (*Record, error) {
	const op = "buildstate.Load"

	data, err := fileutil.ReadFileLimited(t.path, maxStateSize)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.From(errors.ErrStateNotFound, op, "", nil).WithDetail("path", t.path)
		}
		if stderrors.Is(err, os.ErrPermission) {
			return nil, errors.IOWrap(err, op, "cannot read build state")
		}
		return nil, t.corrupted(err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, t.corrupted(err)
	}
	if err := t.schema.Validate(doc); err != nil {
		return nil, t.corrupted(err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, t.corrupted(err)
	}
	if err := rec.Validate(); err != nil {
		return nil, t.corrupted(err)
	}
	return &rec, nil
}

func (t *Tracker) corrupted(cause error) error {
	return errors.From(errors.ErrStateCorrupted, "buildstate.Load",
		fmt.Sprintf("build state %s is corrupted", t.path), cause).WithDetail("path", t.path)
}

// CompletedUnits returns a copy of the completed units in order.
func (t *Tracker) CompletedUnits(ctx context.Context) ([]string, error) {
	rec, err := t.Load(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(rec.Completed), nil
}

// RemainingUnits returns a copy of the remaining units in order.
func (t *Tracker) RemainingUnits(ctx context.Context) ([]string, error) {
	rec, err := t.Load(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(rec.Remaining), nil
}

// Clear removes the state file. A missing file is not an error.
func (t *Tracker) Clear(_ context.Context) error {
	if err := fileutil.RemoveIfExists(t.path); err != nil {
		return errors.IOWrap(err, "buildstate.Clear", "failed to remove build state").WithDetail("path", t.path)
	}
	t.logger.Debug("cleared build state", "path", t.path)
	return nil
}

// Inspect classifies the state file. Only failures unrelated to the record
// itself, such as an unreadable file or a git error, are returned as errors.
func (t *Tracker) Inspect(ctx context.Context) (*Inspection, error) {
	rec, err := t.Load(ctx)
	switch {
	case err == nil:
		return &Inspection{Status: StatusValid, Record: rec}, nil
	case stderrors.Is(err, errors.ErrStateNotFound):
		return &Inspection{Status: StatusNotFound}, nil
	case stderrors.Is(err, errors.ErrStateCorrupted):
		return &Inspection{Status: StatusCorrupted, Err: err}, nil
	case stderrors.Is(err, errors.ErrStateStale):
		return &Inspection{Status: StatusStale, Record: rec, Err: err}, nil
	default:
		return nil, err
	}
}
