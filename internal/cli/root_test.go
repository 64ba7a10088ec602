package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowebsLB/dental-clinic-software-system/internal/app"
	"github.com/cowebsLB/dental-clinic-software-system/internal/config"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
	"github.com/cowebsLB/dental-clinic-software-system/internal/remote"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "clinicsync", cmd.Use)
	assert.Contains(t, cmd.Long, "sync queue")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"sync"}, {"status"}, {"retry-failed"}, {"conflicts"}, {"resolve"}, {"history"},
		{"backup", "create"}, {"backup", "list"}, {"backup", "restore"}, {"backup", "upload"},
		{"migrate", "up"}, {"migrate", "down"}, {"migrate", "status"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestSyncCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)

	tableFlag := syncCmd.Flags().Lookup("table")
	require.NotNil(t, tableFlag)
	assert.Equal(t, "t", tableFlag.Shorthand)
	assert.NotNil(t, syncCmd.Flags().Lookup("force"))

	historyCmd, _, err := cmd.Find([]string{"history"})
	require.NoError(t, err)
	limitFlag := historyCmd.Flags().Lookup("limit")
	require.NotNil(t, limitFlag)
	assert.Equal(t, "20", limitFlag.DefValue)
}

// cliEnv points the CLI at a scratch cache and an in-memory remote.
type cliEnv struct {
	cfg    config.Config
	remote *remote.MemoryStore
}

func setupCLI(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CLINIC_SYNC_CONFIG", "")
	t.Setenv("LOCAL_CACHE_PATH", filepath.Join(dir, "local_cache.db"))
	t.Setenv("BACKUP_DIR", filepath.Join(dir, "backups"))
	t.Setenv("CONFLICT_STRATEGY", "manual")
	t.Setenv("LOG_FILE", "")
	t.Setenv("CLINIC_USER", "dr.smith")

	cfg, err := config.Load(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	return &cliEnv{cfg: cfg, remote: remote.NewMemoryStore()}
}

// run executes one command line and returns its stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(&RootOptions{remote: e.remote})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// runJSON executes args with --format json and decodes the data field.
func (e *cliEnv) runJSON(t *testing.T, out interface{}, args ...string) {
	t.Helper()
	stdout, err := e.run(t, append(args, "--format", "json")...)
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.Equal(t, "ok", resp.Status)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Data, out), string(resp.Data))
	}
}

// withApp opens the cache the CLI will use and runs fn against it.
func (e *cliEnv) withApp(t *testing.T, fn func(a *app.App)) {
	t.Helper()
	a, err := app.New(e.cfg, app.WithRemote(e.remote))
	require.NoError(t, err)
	defer a.Close()
	fn(a)
}

func (e *cliEnv) queueClient(t *testing.T, name string) string {
	t.Helper()
	var id string
	e.withApp(t, func(a *app.App) {
		var err error
		id, err = a.Store.Insert(context.Background(), models.TableClients, models.Record{"first_name": name}, true)
		require.NoError(t, err)
	})
	return id
}

// conflictOn queues a local edit of a client the remote changed later.
func (e *cliEnv) conflictOn(t *testing.T) string {
	t.Helper()
	var id string
	e.withApp(t, func(a *app.App) {
		ctx := context.Background()
		var err error
		id, err = a.Store.Insert(ctx, models.TableClients, models.Record{"first_name": "Jane"}, false)
		require.NoError(t, err)
		row, err := a.Store.Get(ctx, models.TableClients, id)
		require.NoError(t, err)

		remoteRow := row.Clean()
		remoteRow["first_name"] = "Janet"
		remoteRow[models.ColUpdatedAt] = models.FormatTime(time.Now().Add(time.Hour))
		e.remote.Put(models.TableClients, remoteRow)

		_, err = a.Store.Update(ctx, models.TableClients, id, models.Record{"first_name": "Jan"}, true)
		require.NoError(t, err)
	})
	return id
}

func TestRoot_invalidFormat(t *testing.T) {
	e := setupCLI(t)
	_, err := e.run(t, "status", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSync_pushesQueuedWrites(t *testing.T) {
	e := setupCLI(t)
	e.queueClient(t, "Jane")

	var status map[string]interface{}
	e.runJSON(t, &status, "status")
	assert.Equal(t, true, status["online"])
	assert.Equal(t, float64(1), status["queue"].(map[string]interface{})["pending"])

	var result map[string]interface{}
	e.runJSON(t, &result, "sync")
	assert.Equal(t, "completed", result["status"])
	assert.Equal(t, float64(1), result["synced"])
	assert.Len(t, e.remote.Rows(models.TableClients), 1)
}

func TestSync_textOutput(t *testing.T) {
	e := setupCLI(t)
	e.queueClient(t, "Jane")

	out, err := e.run(t, "sync", "--table", models.TableClients)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, models.TableClients)
}

func TestSync_offlineKeepsQueue(t *testing.T) {
	e := setupCLI(t)
	e.queueClient(t, "Jane")
	e.remote.SetOffline(true)

	_, err := e.run(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	e.remote.SetOffline(false)
	var status map[string]interface{}
	e.runJSON(t, &status, "status")
	assert.Equal(t, float64(1), status["queue"].(map[string]interface{})["pending"])
}

func TestRetryFailed_nothingToRequeue(t *testing.T) {
	e := setupCLI(t)

	var out map[string]int
	e.runJSON(t, &out, "retry-failed")
	assert.Equal(t, 0, out["requeued"])
}

func TestConflicts_resolveLifecycle(t *testing.T) {
	e := setupCLI(t)
	id := e.conflictOn(t)

	var result map[string]interface{}
	e.runJSON(t, &result, "sync")
	assert.Equal(t, float64(1), result["conflicts"])

	var conflicts []models.SyncQueueEntry
	e.runJSON(t, &conflicts, "conflicts", "--table", models.TableClients)
	require.Len(t, conflicts, 1)
	assert.Equal(t, id, conflicts[0].RecordID)

	var other []models.SyncQueueEntry
	e.runJSON(t, &other, "conflicts", "--table", models.TableRooms)
	assert.Empty(t, other)

	var entry models.ConflictAuditEntry
	e.runJSON(t, &entry, "resolve", conflicts[0].ID, "remote")
	assert.Equal(t, models.ResolutionRemote, entry.Resolution)
	assert.Equal(t, "dr.smith", entry.ResolvedBy)

	e.runJSON(t, &conflicts, "conflicts")
	assert.Empty(t, conflicts)

	var history []models.ConflictAuditEntry
	e.runJSON(t, &history, "history", "--table", models.TableClients)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].RecordID)
}

func TestResolve_rejectsBadInput(t *testing.T) {
	e := setupCLI(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown resolution", []string{"resolve", "q1", "theirs"}},
		{"merge without data", []string{"resolve", "q1", "merge"}},
		{"data not an object", []string{"resolve", "q1", "merge", "--data", "[1,2]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.run(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestResolve_unknownEntry(t *testing.T) {
	e := setupCLI(t)
	_, err := e.run(t, "resolve", "missing", "local")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
