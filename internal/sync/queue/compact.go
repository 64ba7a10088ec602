package queue

import (
	"context"

	"github.com/cowebsLB/dental-clinic-software-system/internal/db"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// Compact keeps one pending entry per record run and marks the rest
// superseded. Runs are split after each delete, so a record that was
// deleted and created again keeps both halves.
//
// Within a run the last entry wins, except that a leading create survives
// carrying the newest snapshot, and a create followed by a delete cancels
// out entirely. It returns the number of superseded entries.
func (q *Queue) Compact(ctx context.Context, table string) (int, error) {
	pending, err := q.GetPendingOperations(ctx, table, 0)
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]*models.SyncQueueEntry)
	var order []string
	for _, e := range pending {
		k := e.Key()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var (
		superseded []string
		snapshots  = make(map[string]models.Record)
	)
	for _, k := range order {
		for _, run := range splitRuns(groups[k]) {
			drop, keep, snapshot := compactRun(run)
			superseded = append(superseded, drop...)
			if keep != "" {
				snapshots[keep] = snapshot
			}
		}
	}
	if len(superseded) == 0 {
		return 0, nil
	}

	var n int64
	err = q.store.WithTx(ctx, func(tx *db.Tx) error {
		for id, snap := range snapshots {
			if err := q.repo.ReplaceQueueSnapshot(ctx, tx.Querier(), id, snap); err != nil {
				return err
			}
		}
		var err error
		n, err = q.repo.MarkQueueSuperseded(ctx, tx.Querier(), superseded)
		return err
	})
	if err != nil {
		return 0, err
	}

	q.log.Info("compacted queue", map[string]interface{}{"table": table, "superseded": n})
	return int(n), nil
}

// splitRuns cuts a record's entries after every delete.
func splitRuns(entries []*models.SyncQueueEntry) [][]*models.SyncQueueEntry {
	var (
		runs [][]*models.SyncQueueEntry
		cur  []*models.SyncQueueEntry
	)
	for _, e := range entries {
		cur = append(cur, e)
		if e.Operation == models.OpDelete {
			runs = append(runs, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

// compactRun decides one run. keep is set when the surviving entry needs a
// new snapshot.
func compactRun(run []*models.SyncQueueEntry) (drop []string, keep string, snapshot models.Record) {
	if len(run) < 2 {
		return nil, "", nil
	}
	first, last := run[0], run[len(run)-1]

	if first.Operation != models.OpCreate {
		for _, e := range run[:len(run)-1] {
			drop = append(drop, e.ID)
		}
		return drop, "", nil
	}

	if last.Operation == models.OpDelete {
		for _, e := range run {
			drop = append(drop, e.ID)
		}
		return drop, "", nil
	}

	for _, e := range run[1:] {
		drop = append(drop, e.ID)
	}
	return drop, first.ID, last.LocalData
}
