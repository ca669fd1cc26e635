// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch wires every component into the canonical operation
// envelope from §6: one Service exposing reconcile, lexical_search,
// get_def, list_refs, plan_rename, commit_decision, apply_mutation,
// semantic_diff, affected_tests and friends behind a single Dispatch entry
// point, the same role cmd/cie's serve.go gives its HTTP handlers but
// transport-agnostic here so it can be driven by the CLI, a future RPC
// front end, or tests directly.
package dispatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dfinson/codeplane/internal/config"
	"github.com/dfinson/codeplane/internal/contextrouter"
	"github.com/dfinson/codeplane/internal/cperrors"
	"github.com/dfinson/codeplane/internal/epoch"
	"github.com/dfinson/codeplane/internal/impact"
	"github.com/dfinson/codeplane/internal/lexical"
	"github.com/dfinson/codeplane/internal/mutation"
	"github.com/dfinson/codeplane/internal/parserfacade"
	"github.com/dfinson/codeplane/internal/pathspec"
	"github.com/dfinson/codeplane/internal/planner"
	"github.com/dfinson/codeplane/internal/reconciler"
	"github.com/dfinson/codeplane/internal/semdiff"
	"github.com/dfinson/codeplane/internal/structural"
)

// Envelope is the inbound request shape from §6.
type Envelope struct {
	Op          string
	Params      map[string]any
	SessionID   string
	RequestID   string
	DeadlineMS  int64
}

// Meta accompanies every response.
type Meta struct {
	RequestID   string
	TimestampMS int64
}

// Response is the outbound shape: exactly one of Result or Err is set.
type Response struct {
	Result any
	Err    *cperrors.Error
	Meta   Meta
}

// Service owns every wired component for one repository instance.
type Service struct {
	RepoRoot string
	Logger   *slog.Logger

	Config     *config.Config
	Matcher    *pathspec.Matcher
	Recon      *reconciler.Reconciler
	Lexical    *lexical.Index
	Structural *structural.Store
	Epoch      *epoch.Publisher
	Router     *contextrouter.Router
	Parser     *parserfacade.Facade
	Mutation   *mutation.Engine
}

// New wires a Service from its already-constructed components. Building
// those components (opening the sqlite file, loading the lexical index,
// running the router's initial discovery) is the caller's job, done once at
// startup, exactly as cmd/cie's serve.go does before handing its store to
// the HTTP handlers.
func New(repoRoot string, logger *slog.Logger, cfg *config.Config, matcher *pathspec.Matcher, recon *reconciler.Reconciler, lex *lexical.Index, store *structural.Store, pub *epoch.Publisher, router *contextrouter.Router, parser *parserfacade.Facade, mutationEngine *mutation.Engine) *Service {
	return &Service{
		RepoRoot: repoRoot, Logger: logger, Config: cfg, Matcher: matcher,
		Recon: recon, Lexical: lex, Structural: store, Epoch: pub, Router: router, Parser: parser,
		Mutation: mutationEngine,
	}
}

// osFileReader implements planner.FileReader and mutation path resolution
// over the real filesystem rooted at RepoRoot.
type osFileReader struct{ root string }

func (r osFileReader) ReadFile(ctx context.Context, relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(r.root, relPath))
}

func (s *Service) abs(relPath string) string { return filepath.Join(s.RepoRoot, relPath) }

func nowMS() int64 { return time.Now().UnixMilli() }

func (s *Service) respond(requestID string, result any, err error) Response {
	meta := Meta{RequestID: requestID, TimestampMS: nowMS()}
	if err == nil {
		return Response{Result: result, Meta: meta}
	}
	cpe, ok := cperrors.As(err)
	if !ok {
		cpe = cperrors.New(cperrors.InternalError, err.Error(), nil)
	}
	return Response{Err: cpe, Meta: meta}
}

// Dispatch routes one Envelope to its operation handler.
func (s *Service) Dispatch(ctx context.Context, req Envelope) Response {
	switch req.Op {
	case "reconcile":
		return s.respond(req.RequestID, s.opReconcile(ctx))
	case "lexical_search":
		return s.respond(req.RequestID, s.opLexicalSearch(ctx, req.Params))
	case "get_def":
		return s.respond(req.RequestID, s.opGetDef(ctx, req.Params))
	case "list_refs":
		return s.respond(req.RequestID, s.opListRefs(ctx, req.Params))
	case "list_imports":
		return s.respond(req.RequestID, s.opListImports(ctx, req.Params))
	case "anchor_group":
		return s.respond(req.RequestID, s.opAnchorGroup(ctx, req.Params))
	case "dynamic_access_sites":
		return s.respond(req.RequestID, s.opDynamicAccessSites(ctx, req.Params))
	case "plan_rename":
		return s.respond(req.RequestID, s.opPlanRename(ctx, req.Params))
	case "commit_decision":
		return s.respond(req.RequestID, s.opCommitDecision(ctx, req.Params))
	case "apply_mutation":
		return s.respond(req.RequestID, s.opApplyMutation(ctx, req.Params))
	case "semantic_diff":
		return s.respond(req.RequestID, s.opSemanticDiff(ctx, req.Params))
	case "affected_tests":
		return s.respond(req.RequestID, s.opAffectedTests(ctx, req.Params))
	default:
		return s.respond(req.RequestID, nil, cperrors.New(cperrors.InternalError, "unknown operation", map[string]any{"op": req.Op}))
	}
}

type reconcileResult struct {
	ChangedFiles int `json:"changed_files"`
	Renamed      int `json:"renamed"`
	EpochAfter   int64 `json:"epoch_after"`
}

// opReconcile runs the stat->hash cascade, then reparses and reindexes
// every file it flags as changed. Extraction fans out across
// Concurrency.ParseWorkers goroutines, each throttled by a shared rate
// limiter seeded from Concurrency.CPUBudgetPerSec - the bound and budget
// the config package documents for exactly this reindex step.
func (s *Service) opReconcile(ctx context.Context) (any, error) {
	result, err := s.Recon.Reconcile(ctx)
	if err != nil {
		return nil, err
	}

	newEpoch, err := s.reindexAndPublish(ctx, result.ChangedFileIDs)
	if err != nil {
		return nil, err
	}

	return reconcileResult{
		ChangedFiles: len(result.ChangedFileIDs), Renamed: result.RenamedCount, EpochAfter: newEpoch,
	}, nil
}

// reindexAndPublish reparses and reindexes every given file_id and publishes
// the resulting epoch advance. This is the one path that ever moves a file
// from DIRTY back to CLEAN: opReconcile drives it over the Reconciler's
// changed set, and opApplyMutation/CommitDecision's Reindexer drive it over
// the files a mutation or commit just wrote, per §2's "the Mutation Engine
// ... calls the Reconciler (post-write) to mark files dirty and force the
// next epoch" and invariant 9 (write-read causality). Extraction fans out
// across Concurrency.ParseWorkers goroutines, each throttled by a shared
// rate limiter seeded from Concurrency.CPUBudgetPerSec.
func (s *Service) reindexAndPublish(ctx context.Context, fileIDs []int64) (int64, error) {
	if len(fileIDs) == 0 {
		return s.Epoch.Current(), nil
	}

	files := mustAllFiles(ctx, s)
	familyByPath := make(map[string]string, len(files))
	for _, st := range files {
		familyByPath[st.Path] = st.LanguageFamily
	}

	workers := s.Config.Concurrency.ParseWorkers
	if workers < 1 {
		workers = 1
	}
	var limiter *rate.Limiter
	if s.Config.Concurrency.CPUBudgetPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.Config.Concurrency.CPUBudgetPerSec), workers)
	}

	var mu sync.Mutex
	newlyClean := make(map[int64]bool, len(fileIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, fileID := range fileIDs {
		fileID := fileID
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
			}
			path, ok, err := s.Structural.PathByFileID(gctx, fileID)
			if err != nil || !ok {
				return nil
			}
			content, readErr := os.ReadFile(s.abs(path))
			if readErr != nil {
				return nil
			}
			family := familyByPath[path]
			staged, outcome := s.Parser.Extract(gctx, fileID, fileID, family, path, content, s.Epoch.Current()+1, s.Config.Router.ProbeErrorTolerance)
			if outcome.Err != nil {
				s.Logger.Warn("dispatch.reindex.parse_failed", "path", path, "err", outcome.Err)
				return nil
			}
			if err := s.Structural.WriteStaged(gctx, staged); err != nil {
				return err
			}
			if err := s.Lexical.Upsert(gctx, []lexical.Document{{FileID: fileID, Path: path, Content: string(content), LanguageFamily: family}}); err != nil {
				return err
			}
			mu.Lock()
			newlyClean[fileID] = true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return s.Epoch.Publish(newlyClean), nil
}

// reindexerAdapter is the planner.Reindexer the commit path calls once its
// writes land, resolving each committed path back to its stable file_id
// before handing the set to reindexAndPublish.
type reindexerAdapter struct{ s *Service }

func (r reindexerAdapter) ReindexPaths(ctx context.Context, paths []string) (int64, error) {
	ids := make([]int64, 0, len(paths))
	for _, p := range paths {
		if id, ok, err := r.s.Structural.FileIDByPath(ctx, p); err == nil && ok {
			ids = append(ids, id)
		}
	}
	return r.s.reindexAndPublish(ctx, ids)
}

func mustAllFiles(ctx context.Context, s *Service) []reconciler.FileState {
	fs, err := s.Structural.AsFileStore().AllFiles(ctx)
	if err != nil {
		return nil
	}
	return fs
}

// paramInt64 accepts int, int64, or float64 for a numeric param - callers
// may arrive from JSON (float64), the CLI's own int64 coercion, or tests
// using plain int literals.
func paramInt64(params map[string]any, key string) int64 {
	switch v := params[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func paramInt(params map[string]any, key string) int {
	return int(paramInt64(params, key))
}

// waitClean blocks until every file in need is CLEAN at an epoch >=
// admittedAt, per §4.5's freshness gate (invariant 4: any read depending on
// file X must block until X is CLEAN at or after the epoch it was admitted
// at). A nil/empty need is a no-op.
func (s *Service) waitClean(ctx context.Context, admittedAt int64, need []int64) error {
	return s.Epoch.WaitFor(ctx, admittedAt, need, s.Structural)
}

func (s *Service) opLexicalSearch(ctx context.Context, params map[string]any) (any, error) {
	admittedAt := s.Epoch.Admit()
	dirty, err := s.Structural.DirtyFileIDs(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.waitClean(ctx, admittedAt, dirty); err != nil {
		return nil, err
	}
	text, _ := params["query"].(string)
	q := lexical.Query{Text: text, Limit: paramInt(params, "limit"), UnitID: paramInt64(params, "unit_id")}
	if max := s.Config.Lexical.MaxQueryLimit; max > 0 && q.Limit > max {
		q.Limit = max
	}
	if lang, ok := params["language"].(string); ok {
		q.Language = lang
	}
	return s.Lexical.Search(ctx, q)
}

func (s *Service) opGetDef(ctx context.Context, params map[string]any) (any, error) {
	defUID, _ := params["def_uid"].(string)
	admittedAt := s.Epoch.Admit()
	def, err := s.Structural.GetDef(ctx, defUID)
	if err != nil || def == nil {
		return def, err
	}
	if err := s.waitClean(ctx, admittedAt, []int64{def.FileID}); err != nil {
		return nil, err
	}
	return s.Structural.GetDef(ctx, defUID)
}

func (s *Service) opListRefs(ctx context.Context, params map[string]any) (any, error) {
	defUID, _ := params["def_uid"].(string)
	tier, _ := params["tier"].(string)
	limit := paramInt(params, "limit")
	admittedAt := s.Epoch.Admit()
	refs, err := s.Structural.ListRefs(ctx, defUID, structural.RefTier(tier), limit)
	if err != nil {
		return nil, err
	}
	need := make([]int64, 0, len(refs))
	seen := make(map[int64]bool, len(refs))
	for _, ref := range refs {
		if !seen[ref.FileID] {
			seen[ref.FileID] = true
			need = append(need, ref.FileID)
		}
	}
	if err := s.waitClean(ctx, admittedAt, need); err != nil {
		return nil, err
	}
	return s.Structural.ListRefs(ctx, defUID, structural.RefTier(tier), limit)
}

func (s *Service) opListImports(ctx context.Context, params map[string]any) (any, error) {
	fileID := paramInt64(params, "file_id")
	limit := paramInt(params, "limit")
	if err := s.waitClean(ctx, s.Epoch.Admit(), []int64{fileID}); err != nil {
		return nil, err
	}
	return s.Structural.ListImports(ctx, fileID, limit)
}

func (s *Service) opAnchorGroup(ctx context.Context, params map[string]any) (any, error) {
	member, _ := params["member_token"].(string)
	shape, _ := params["receiver_shape"].(string)
	admittedAt := s.Epoch.Admit()
	dirty, err := s.Structural.DirtyFileIDs(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.waitClean(ctx, admittedAt, dirty); err != nil {
		return nil, err
	}
	return s.Structural.AnchorGroupFor(ctx, paramInt64(params, "unit_id"), member, shape)
}

func (s *Service) opDynamicAccessSites(ctx context.Context, params map[string]any) (any, error) {
	fileID := paramInt64(params, "file_id")
	limit := paramInt(params, "limit")
	if err := s.waitClean(ctx, s.Epoch.Admit(), []int64{fileID}); err != nil {
		return nil, err
	}
	return s.Structural.DynamicAccessSites(ctx, fileID, limit)
}

func (s *Service) planFactStore() planner.FactStore { return planFactStoreAdapter{s.Structural} }

type planFactStoreAdapter struct{ s *structural.Store }

func (a planFactStoreAdapter) DefsBySimpleName(ctx context.Context, name string, limit int) ([]structural.DefFact, error) {
	return a.s.DefsBySimpleName(ctx, name, limit)
}
func (a planFactStoreAdapter) ListRefs(ctx context.Context, defUID string, tier structural.RefTier, limit int) ([]structural.RefFact, error) {
	return a.s.ListRefs(ctx, defUID, tier, limit)
}
func (a planFactStoreAdapter) PathByFileID(ctx context.Context, fileID int64) (string, bool, error) {
	return a.s.PathByFileID(ctx, fileID)
}
func (a planFactStoreAdapter) Freshness(ctx context.Context, path string) (structural.FreshnessState, error) {
	return a.s.Freshness(ctx, path)
}

func (s *Service) opPlanRename(ctx context.Context, params map[string]any) (any, error) {
	symbol, _ := params["symbol"].(string)
	newName, _ := params["new_name"].(string)
	return planner.PlanRename(ctx, s.planFactStore(), s.Epoch.Current(), symbol, newName)
}

// There is no server-side plan store keyed by plan_id: the dispatch layer
// takes the caller's plan back verbatim via params["plan"] since the
// envelope's op boundary, not plan storage, is this package's concern.
func (s *Service) opCommitDecision(ctx context.Context, params map[string]any) (any, error) {
	plan, _ := params["plan"].(*planner.Plan)
	candidateID, _ := params["selected_candidate_id"].(string)
	proofs, _ := params["proof"].([]planner.Proof)
	if plan == nil {
		return nil, cperrors.New(cperrors.InternalError, "commit_decision requires the plan returned by plan_rename", nil)
	}
	result, needsDecision, err := planner.CommitDecision(ctx, s.planFactStore(), osFileReader{s.RepoRoot}, s.Epoch.Current(), plan, candidateID, proofs, reindexerAdapter{s})
	if err != nil {
		return nil, err
	}
	if needsDecision != nil {
		return needsDecision, nil
	}
	return result, nil
}

// opApplyMutation drives the batch Mutation Engine: params["batch"] carries
// the full []mutation.FileMutation when a caller wants CREATE/DELETE or a
// file-level expected_file_sha256 precondition, falling back to the
// single-file path+edits shape for simple UPDATE-only callers. A successful
// apply reindexes every touched file and republishes the epoch before
// returning, per invariant 9 - no apply_mutation response is ever handed
// back while the touched files are still DIRTY.
func (s *Service) opApplyMutation(ctx context.Context, params map[string]any) (any, error) {
	batch, _ := params["batch"].([]mutation.FileMutation)
	if len(batch) == 0 {
		path, _ := params["path"].(string)
		edits, _ := params["edits"].([]mutation.Edit)
		if path == "" {
			return nil, cperrors.New(cperrors.InternalError, "apply_mutation requires a batch or a path+edits", nil)
		}
		batch = []mutation.FileMutation{{Action: mutation.Update, Path: path, Edits: edits}}
	}

	version, err := s.Recon.RepoVersion(ctx)
	if err != nil {
		return nil, err
	}
	result, err := s.Mutation.ApplyBatch(ctx, version.HeadSHA, batch)
	if err != nil {
		return nil, err
	}

	var reindexIDs []int64
	var touchedPaths []string
	for _, fd := range result.Deltas {
		touchedPaths = append(touchedPaths, fd.Path)
		if fd.Action == mutation.Delete {
			if err := s.Structural.AsFileStore().RecordDelete(ctx, fd.Path); err != nil {
				return nil, err
			}
			continue
		}
		if id, ok, ferr := s.Structural.FileIDByPath(ctx, fd.Path); ferr == nil && ok {
			reindexIDs = append(reindexIDs, id)
		}
		// A freshly CREATEd file has no file_id yet; it is picked up by the
		// next reconcile pass, which assigns identity before anyone can
		// depend on it through the freshness gate.
	}
	if _, err := s.reindexAndPublish(ctx, reindexIDs); err != nil {
		return nil, err
	}

	if affected, err := impact.AffectedFiles(ctx, impactGraphAdapter{s.Structural}, touchedPaths, identityByExtension); err == nil {
		for _, a := range affected {
			if isTestPath(a.Path) {
				result.TestsAffected = append(result.TestsAffected, a.Path)
			}
		}
	}
	return result, nil
}

func (s *Service) opSemanticDiff(ctx context.Context, params map[string]any) (any, error) {
	return semdiff.Diff(ctx, s.Structural, paramInt64(params, "base"), paramInt64(params, "target"))
}

type impactGraphAdapter struct{ s *structural.Store }

func (a impactGraphAdapter) ImportsBySourceLiteral(ctx context.Context, modulePath string, limit int) ([]structural.ImportFact, error) {
	return a.s.ImportsBySourceLiteral(ctx, modulePath, limit)
}
func (a impactGraphAdapter) PathByFileID(ctx context.Context, fileID int64) (string, bool, error) {
	return a.s.PathByFileID(ctx, fileID)
}

func (s *Service) opAffectedTests(ctx context.Context, params map[string]any) (any, error) {
	changed, _ := params["changed_files"].([]string)
	affected, err := impact.AffectedFiles(ctx, impactGraphAdapter{s.Structural}, changed, identityByExtension)
	if err != nil {
		return nil, err
	}
	var matches []string
	var unresolved []string
	for _, a := range affected {
		if isTestPath(a.Path) {
			matches = append(matches, a.Path)
		}
	}
	return map[string]any{"matches": matches, "unresolved_files": unresolved}, nil
}

func identityByExtension(path string) string {
	// Go import paths are package-directory scoped; for other families the
	// module literal is closer to the bare path without extension. This is
	// deliberately approximate - affected_tests degrades to a coarser
	// confidence tier rather than failing when identity can't be derived
	// precisely, consistent with the Impact engine's hop-based tiering.
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)]
}

func isTestPath(path string) bool {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	return len(name) > 5 && (name[len(name)-5:] == "_test" || filepath.Dir(path) == "test" || filepath.Dir(path) == "tests")
}
