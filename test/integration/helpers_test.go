// ============================================================================
// Beaver-Timer 整合測試共用工具
// ============================================================================
//
// Package: test/integration
// 文件: helpers_test.go
// 功能: 在同一個行程內組起完整的服務：HTTP API、儲存層、Worker 與動作
//
// 組成:
//   - api.NewHandler       → 透過 httptest.Server 對外
//   - jobmanager 或 redis  → 任務儲存
//   - controller + action  → 認領到期任務並抓取目標 URL
//
// ============================================================================

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/action"
	"github.com/ChuLiYu/beaver-timer/internal/api"
	"github.com/ChuLiYu/beaver-timer/internal/controller"
	"github.com/ChuLiYu/beaver-timer/internal/metrics"
	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// target 是被排程抓取的 URL，記錄命中次數
type target struct {
	*httptest.Server
	hits atomic.Int64
}

func newTarget(t testing.TB, status int) *target {
	tg := &target{}
	tg.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tg.hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(tg.Close)
	return tg
}

// stack 是一組運行中的 API + Worker
type stack struct {
	api  *httptest.Server
	ctrl *controller.Controller
}

// startStack 在 st 之上啟動 API 與一個 worker，測試結束時關閉
func startStack(t testing.TB, st store.Store, workerID string) *stack {
	logger := quietLogger()
	collector := metrics.NewCollector(prometheus.NewRegistry())

	svc := timer.NewService(st, timer.Options{Metrics: collector, Logger: logger})
	srv := httptest.NewServer(api.NewHandler(svc, api.Options{Logger: logger}))
	t.Cleanup(srv.Close)

	cfg := controller.DefaultConfig()
	cfg.WorkerID = workerID
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReapInterval = 50 * time.Millisecond
	exec := action.NewHandler(action.Options{RetryMax: -1, Timeout: 2 * time.Second, Logger: logger})

	ctrl, err := controller.NewController(cfg, st, exec, controller.Options{Metrics: collector, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Stop)

	return &stack{api: srv, ctrl: ctrl}
}

func (s *stack) schedule(t testing.TB, seconds int, url string) api.ScheduleResponse {
	body, err := json.Marshal(map[string]any{"hours": 0, "minutes": 0, "seconds": seconds, "url": url})
	require.NoError(t, err)
	resp, err := http.Post(s.api.URL+"/api/v1/timer", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out api.ScheduleResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (s *stack) status(t testing.TB, id string) api.StatusResponse {
	resp, err := http.Get(s.api.URL + "/api/v1/timer/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
