package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orglink/bridge/pkg/types"
)

// syncPageSize is the offset/limit window for sync_users pagination. Page
// boundaries index into the agent's filtered set, so a stable source set
// yields non-overlapping pages.
const syncPageSize = 100

// maxSyncPages caps runaway pagination if the agent keeps answering
// has_more=true (shrinking source set or a buggy directory client).
const maxSyncPages = 500

// SyncOptions control one reconciliation pass.
type SyncOptions struct {
	Mode              types.SyncMode
	IncludePhoto      bool
	RequireDepartment bool
	Triggered         string // "api" or "worker"
}

// SyncUsers runs a full directory reconciliation: paginate the agent's
// filtered directory view, write each page according to the sync mode, then
// resolve manager references in one pass. The returned SyncRun is recorded
// in the store even when the pass fails partway.
func (s *Service) SyncUsers(ctx context.Context, opts SyncOptions) (*types.SyncRun, error) {
	if opts.Mode == "" {
		opts.Mode = types.SyncModeFull
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("invalid sync mode %q", opts.Mode)
	}
	if opts.Triggered == "" {
		opts.Triggered = "api"
	}

	run := &types.SyncRun{
		ID:        uuid.NewString(),
		Mode:      opts.Mode,
		StartedAt: time.Now().UTC(),
		Triggered: opts.Triggered,
	}

	s.logger.Info("directory sync started",
		"mode", opts.Mode,
		"include_photo", opts.IncludePhoto,
		"triggered", opts.Triggered)

	err := s.runSync(ctx, opts, run)
	run.Duration = time.Since(run.StartedAt)
	if err != nil {
		run.Error = err.Error()
	}

	if storeErr := s.store.CreateSyncRun(ctx, run); storeErr != nil {
		s.logger.Error("recording sync run failed", "error", storeErr)
	}

	if err != nil {
		s.logger.Error("directory sync failed",
			"mode", opts.Mode,
			"pages", run.Stats.Pages,
			"error", err)
		return run, err
	}

	s.logger.Info("directory sync complete",
		"mode", opts.Mode,
		"pages", run.Stats.Pages,
		"total_in_directory", run.Stats.TotalInDirectory,
		"new", run.Stats.NewUsers,
		"updated", run.Stats.UpdatedUsers,
		"skipped", run.Stats.SkippedExisting,
		"managers_updated", run.Stats.ManagersUpdated,
		"duration", run.Duration)
	return run, nil
}

func (s *Service) runSync(ctx context.Context, opts SyncOptions, run *types.SyncRun) error {
	// Precomputed case-insensitive email index; grows as inserts land so
	// later pages classify against this pass's own writes too.
	existing, err := s.store.GetEmailIndex(ctx)
	if err != nil {
		return fmt.Errorf("loading email index: %w", err)
	}

	offset := 0
	for page := 0; ; page++ {
		if page >= maxSyncPages {
			return fmt.Errorf("pagination did not terminate after %d pages", maxSyncPages)
		}

		result, err := s.bridge.Invoke(ctx, types.CmdSyncUsers, map[string]any{
			"offset":             offset,
			"limit":              syncPageSize,
			"include_photo":      opts.IncludePhoto,
			"require_email":      true,
			"require_department": opts.RequireDepartment,
		}, SyncPageTimeout)
		if err != nil {
			return fmt.Errorf("fetching page at offset %d: %w", offset, err)
		}

		var pageData types.SyncUsersPage
		if err := decodeResult(result, &pageData); err != nil {
			return err
		}

		run.Stats.Pages++

		// Set-level counters are computed over the full pre-filtered set
		// and repeat identically on every page; adopt the latest values.
		run.Stats.TotalInDirectory = pageData.Stats.TotalInDirectory
		run.Stats.WithDepartment = pageData.Stats.WithDepartment
		run.Stats.WithoutDepartment = pageData.Stats.WithoutDepartment
		run.Stats.FilteredOut = pageData.Stats.FilteredOut

		if err := s.writePage(ctx, opts, pageData.Users, existing, &run.Stats); err != nil {
			return fmt.Errorf("writing page at offset %d: %w", offset, err)
		}

		if !pageData.HasMore {
			break
		}
		offset += syncPageSize
	}

	managersUpdated, err := s.resolveManagers(ctx)
	if err != nil {
		return fmt.Errorf("resolving managers: %w", err)
	}
	run.Stats.ManagersUpdated = managersUpdated

	return nil
}

// writePage classifies one page against the email index and upserts the
// records the mode selects. Records are deduplicated by lower-cased email
// within the page, last write wins.
func (s *Service) writePage(ctx context.Context, opts SyncOptions, users []types.DirectoryUser, existing map[string]string, stats *types.SyncStats) error {
	deduped := make(map[string]types.DirectoryUser, len(users))
	order := make([]string, 0, len(users))
	for _, u := range users {
		key := u.EmailKey()
		if key == "" {
			continue
		}
		if _, seen := deduped[key]; !seen {
			order = append(order, key)
		}
		deduped[key] = u
	}

	batch := make([]types.DirectoryUser, 0, len(deduped))
	for _, key := range order {
		u := deduped[key]
		_, isExisting := existing[key]

		if opts.Mode == types.SyncModeNewOnly && isExisting {
			stats.SkippedExisting++
			continue
		}

		batch = append(batch, u)
		if isExisting {
			stats.UpdatedUsers++
		} else {
			stats.NewUsers++
			existing[key] = "" // id unknown until resolution; presence is enough
		}
	}

	if len(batch) == 0 {
		return nil
	}
	return s.store.UpsertEmployees(ctx, batch, opts.IncludePhoto)
}

// resolveManagers rebuilds manager links from directory back-references.
// A reference outside the synced set is left unset, never an error.
func (s *Service) resolveManagers(ctx context.Context) (int, error) {
	refs, err := s.store.ListDirectoryRefs(ctx)
	if err != nil {
		return 0, err
	}

	dnToID := make(map[string]string, len(refs))
	for _, r := range refs {
		if r.DirectoryDN != nil && *r.DirectoryDN != "" {
			dnToID[*r.DirectoryDN] = r.ID
		}
	}

	updated := 0
	for _, r := range refs {
		if r.ManagerDN == nil || *r.ManagerDN == "" {
			continue
		}
		managerID, ok := dnToID[*r.ManagerDN]
		if !ok {
			continue // dangling reference, manager outside the filtered set
		}
		if r.ManagerID != nil && *r.ManagerID == managerID {
			continue
		}
		if err := s.store.SetManager(ctx, r.ID, managerID); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}
