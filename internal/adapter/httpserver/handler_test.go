package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"gotest.tools/assert"

	"github.com/hostwatch/agent-manager/internal/domain"
	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
	"github.com/hostwatch/agent-manager/internal/status"
)

type fakeExecutor struct {
	lastOp domain.Operation
	result domain.OperationResult
}

func (f *fakeExecutor) Execute(_ context.Context, op domain.Operation) domain.OperationResult {
	f.lastOp = op
	f.result.Operation = op.Kind
	return f.result
}

type fakeReporter struct {
	report status.Report
	err    error
}

func (f *fakeReporter) Report(context.Context) (status.Report, error) {
	return f.report, f.err
}

const testSecret = "s3cret"

func newTestRouter(exec *fakeExecutor, reporter *fakeReporter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := gin.New()
	router.Use(authMiddleware(testSecret))
	NewAPI(exec, reporter, logger).RegisterRoutes(router)
	return router
}

func doRequest(router *gin.Engine, method, path, body, secret string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRejectsMissingSecret(t *testing.T) {
	router := newTestRouter(&fakeExecutor{}, &fakeReporter{})
	w := doRequest(router, http.MethodGet, "/ping", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(router, http.MethodGet, "/ping", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPing(t *testing.T) {
	router := newTestRouter(&fakeExecutor{}, &fakeReporter{})
	w := doRequest(router, http.MethodGet, "/ping", "", testSecret)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetStatus(t *testing.T) {
	reporter := &fakeReporter{report: status.Report{
		AgentVersion:   "1.2.0",
		ManagerVersion: "0.5.0",
		ServiceRunning: true,
		Hub:            domain.HubReachable,
	}}
	router := newTestRouter(&fakeExecutor{}, reporter)

	w := doRequest(router, http.MethodGet, "/status", "", testSecret)
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Ok   bool          `json:"ok"`
		Data status.Report `json:"data"`
	}
	assert.NilError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Assert(t, body.Ok)
	assert.Equal(t, "1.2.0", body.Data.AgentVersion)
	assert.Equal(t, domain.HubReachable, body.Data.Hub)
}

func TestRunOperationParsesTarget(t *testing.T) {
	exec := &fakeExecutor{result: domain.OperationResult{
		ID:      "op-1",
		Outcome: domain.OutcomeSuccess,
	}}
	router := newTestRouter(exec, &fakeReporter{})

	w := doRequest(router, http.MethodPost, "/operations",
		`{"operation":"update","version":"1.4.0","force":true}`, testSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.OpUpdateAgent, exec.lastOp.Kind)
	assert.Equal(t, "1.4.0", exec.lastOp.Target.Pinned.String())
	assert.Assert(t, exec.lastOp.Target.ForceReinstall)
}

func TestRunOperationRejectsUnknownKind(t *testing.T) {
	router := newTestRouter(&fakeExecutor{}, &fakeReporter{})
	w := doRequest(router, http.MethodPost, "/operations", `{"operation":"reboot"}`, testSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunOperationRejectsBadVersion(t *testing.T) {
	router := newTestRouter(&fakeExecutor{}, &fakeReporter{})
	w := doRequest(router, http.MethodPost, "/operations",
		`{"operation":"update","version":"latest"}`, testSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBusyOperationMapsToConflict(t *testing.T) {
	exec := &fakeExecutor{result: domain.OperationResult{
		ID:      "op-2",
		Outcome: domain.OutcomeFatal,
		Err:     dmerr.Wrapf(dmerr.ErrBusy, "install already running"),
	}}
	router := newTestRouter(exec, &fakeReporter{})

	w := doRequest(router, http.MethodPost, "/operations", `{"operation":"install"}`, testSecret)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSelfUpdateRoute(t *testing.T) {
	exec := &fakeExecutor{result: domain.OperationResult{Outcome: domain.OutcomeSuccess}}
	router := newTestRouter(exec, &fakeReporter{})

	w := doRequest(router, http.MethodPost, "/self-update", "", testSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.OpUpdateManager, exec.lastOp.Kind)
}
