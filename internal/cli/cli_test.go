package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/api"
	"github.com/ChuLiYu/beaver-timer/internal/config"
	"github.com/ChuLiYu/beaver-timer/internal/snapshot"
	"github.com/ChuLiYu/beaver-timer/internal/storage/wal"
	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/internal/validation"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryConfig returns a config serving on loopback with an in-process store
// and no pre-request delay.
func memoryConfig() config.Config {
	cfg := config.Defaults()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	cfg.Store.Backend = config.BackendMemory
	cfg.Store.ResultTTL = time.Minute
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Action.PreDelay = 0
	cfg.Action.RetryMax = -1
	cfg.Log.File = ""
	return cfg
}

type addrs struct{ http, grpc string }

// startServe runs serve in the background and returns its addresses. The
// server stops, and its error is checked, at test cleanup.
func startServe(t *testing.T, cfg config.Config, withWorker bool) addrs {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan addrs, 1)
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, quietLogger(), serveOptions{
			withWorker: withWorker,
			onListen: func(h, g string) {
				ready <- addrs{http: h, grpc: g}
			},
		})
	}()

	var a addrs
	select {
	case a = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("serve did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("serve did not stop")
		}
	})
	return a
}

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TIMER_STORE_BACKEND", "")
	t.Setenv("TIMER_LOG_LEVEL", "error")

	dir := t.TempDir()
	base := []string{"-c", filepath.Join(dir, "absent.yaml"), "--env-file", filepath.Join(dir, "absent.env")}

	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(base, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "beaver-timer", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "worker", "schedule", "status", "config"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, config.DefaultPath, configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("env-file"))
}

func TestServeCommandFlags(t *testing.T) {
	cmd := buildServeCommand(&runtimeEnv{})
	flag := cmd.Flags().Lookup("with-worker")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestScheduleCommandRequiresURL(t *testing.T) {
	_, err := runCLI(t, "schedule", "--seconds", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: memory\nworker:\n  count: 7\n"), 0o644))

	out, err := runCLI(t, "config", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "backend: memory")
	assert.Contains(t, out, "count: 7")
}

func TestInvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: etcd\n"), 0o644))

	_, err := runCLI(t, "config", "-c", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestWorkerRejectsMemoryBackend(t *testing.T) {
	err := runWorker(context.Background(), memoryConfig(), quietLogger(), "")
	assert.ErrorIs(t, err, ErrMemoryWorker)
}

func TestOpenStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := config.Defaults().Store
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = port

	be, err := openStore(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer be.Close()

	assert.Nil(t, be.maintain)
	ctx := context.Background()
	require.NoError(t, be.Ping(ctx))
	require.NoError(t, be.Put(ctx, &types.Job{ID: "r1", URL: "https://example.com", Status: types.StatusPending, ScheduledAt: time.Now().UnixMilli()}))
	assert.True(t, mr.Exists("timer:job:r1"))
}

func TestOpenStoreRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	mr.Close()

	cfg := config.Defaults().Store
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = port

	_, err = openStore(context.Background(), cfg, quietLogger())
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg := config.Defaults().Store
	cfg.Backend = config.BackendSQL
	cfg.SQL.Driver = "sqlite"
	cfg.SQL.DSN = "file::memory:"
	cfg.SQL.SweepInterval = -1

	be, err := openStore(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer be.Close()

	ctx := context.Background()
	require.NoError(t, be.Put(ctx, &types.Job{ID: "s1", URL: "https://example.com", Status: types.StatusPending, ScheduledAt: time.Now().UnixMilli()}))
	job, err := be.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
}

func TestOpenMemoryRestoresSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timer.snapshot")
	now := time.Now().UnixMilli()
	sm := snapshot.NewManager(path, quietLogger())
	require.NoError(t, sm.Write(types.SnapshotData{
		SchemaVer: snapshot.SchemaVersion,
		Jobs: map[types.JobID]*types.Job{
			"running": {
				ID: "running", URL: "https://example.com/a", Status: types.StatusInProgress,
				Attempts: 1, ScheduledAt: now - 1000, StartedAt: types.Int64Ptr(now - 500),
				LeaseUntil: types.Int64Ptr(now + 60_000), WorkerID: "gone",
			},
			"waiting": {ID: "waiting", URL: "https://example.com/b", Status: types.StatusPending, ScheduledAt: now + 60_000},
		},
	}))

	cfg := memoryConfig().Store
	cfg.Memory.SnapshotPath = path
	be, err := openStore(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, be.maintain)

	ctx := context.Background()
	running, err := be.Get(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, running.Status)
	waiting, err := be.Get(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, waiting.Status)

	// a new job survives the final snapshot written on shutdown
	require.NoError(t, be.Put(ctx, &types.Job{ID: "fresh", URL: "https://example.com/c", Status: types.StatusPending, ScheduledAt: now}))
	loopCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, be.maintain(loopCtx))

	data, err := snapshot.NewManager(path, quietLogger()).Load()
	require.NoError(t, err)
	assert.Len(t, data.Jobs, 3)
	assert.Contains(t, data.Jobs, types.JobID("fresh"))
}

func TestOpenMemoryReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := memoryConfig().Store
	cfg.Memory.SnapshotPath = filepath.Join(dir, "timer.snapshot")
	cfg.Memory.WALPath = filepath.Join(dir, "timer.wal")
	ctx := context.Background()

	be, err := openStore(ctx, cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, be.Put(ctx, &types.Job{ID: "j1", URL: "https://example.com", Status: types.StatusPending, ScheduledAt: time.Now().Add(time.Hour).UnixMilli()}))
	// stop without a snapshot, as after a crash
	require.NoError(t, be.Close())

	be, err = openStore(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer be.Close()
	job, err := be.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)

	loopCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, be.maintain(loopCtx))

	n, err := wal.CountEvents(cfg.Memory.WALPath)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the final snapshot compacts the journal")
	data, err := snapshot.NewManager(cfg.Memory.SnapshotPath, quietLogger()).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), data.WALSeq)
	assert.Contains(t, data.Jobs, types.JobID("j1"))
}

func TestOpenMemoryCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timer.snapshot")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	cfg := memoryConfig().Store
	cfg.Memory.SnapshotPath = path
	_, err := openStore(context.Background(), cfg, quietLogger())
	assert.ErrorIs(t, err, snapshot.ErrCorruptedSnapshot)
}

func TestServeWithWorkerRunsDueJob(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("pong"))
	}))
	defer target.Close()

	a := startServe(t, memoryConfig(), true)

	body := `{"hours": 0, "minutes": 0, "seconds": 0, "url": "` + target.URL + `/hook"}`
	resp, err := http.Post("http://"+a.http+"/api/v1/timer", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created api.ScheduleResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, int64(0), created.TimeLeft)

	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + a.http + "/api/v1/timer/" + created.ID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var st api.StatusResponse
		if json.NewDecoder(r.Body).Decode(&st) != nil || st.Status == nil {
			return false
		}
		return *st.Status == types.StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestServeExposesHealthAndMetrics(t *testing.T) {
	a := startServe(t, memoryConfig(), false)

	resp, err := http.Get("http://" + a.http + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + a.http + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "go_goroutines")
}

func TestServeMetricsDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Metrics.Enabled = false
	cfg.GRPC.Enabled = false
	a := startServe(t, cfg, false)
	assert.Empty(t, a.grpc)

	resp, err := http.Get("http://" + a.http + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeAddressInUse(t *testing.T) {
	a := startServe(t, memoryConfig(), false)

	cfg := memoryConfig()
	cfg.HTTP.Addr = a.http
	err := runServe(context.Background(), cfg, quietLogger(), serveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestScheduleAndStatusCommands(t *testing.T) {
	a := startServe(t, memoryConfig(), false)

	out, err := runCLI(t, "schedule", "--minutes", "2", "--seconds", "5", "--url", "https://example.com", "--addr", a.grpc)
	require.NoError(t, err)
	var created api.ScheduleResponse
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, int64(125), created.TimeLeft)
	require.NotEmpty(t, created.ID)

	out, err = runCLI(t, "status", created.ID, "--addr", a.grpc)
	require.NoError(t, err)
	var st api.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.NotNil(t, st.Status)
	assert.Equal(t, types.StatusPending, *st.Status)
	require.NotNil(t, st.TimeLeft)
	assert.InDelta(t, 125, *st.TimeLeft, 2)

	out, err = runCLI(t, "status", "no-such-id", "--addr", a.grpc)
	require.NoError(t, err)
	assert.Contains(t, out, `"unknown"`)
}

func TestScheduleCommandReportsValidation(t *testing.T) {
	a := startServe(t, memoryConfig(), false)

	_, err := runCLI(t, "schedule", "--hours=-1", "--url", "not a url", "--addr", a.grpc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hours: "+validation.MsgNonNegative)
	assert.Contains(t, err.Error(), "url: "+validation.MsgInvalidURL)
}

func TestClientAddr(t *testing.T) {
	assert.Equal(t, "remote:1", clientAddr("remote:1", ":9000"))
	assert.Equal(t, "localhost:9000", clientAddr("", ":9000"))
	assert.Equal(t, "10.0.0.1:9000", clientAddr("", "10.0.0.1:9000"))
}

func TestDescribeError(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, plain, describeError(plain))

	err := describeError(&validation.Error{Fields: []validation.FieldError{
		{Loc: []string{"body", "seconds"}, Msg: validation.MsgNonNegative, Type: validation.TypeValue},
	}})
	assert.Equal(t, "invalid request:\n  seconds: "+validation.MsgNonNegative, err.Error())
}
