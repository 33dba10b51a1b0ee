package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hostwatch/agent-manager/internal/domain"
	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
	"github.com/hostwatch/agent-manager/internal/status"
)

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type operationRequest struct {
	Operation string `json:"operation"`
	// Version pins an update to an exact release; empty means latest.
	Version string `json:"version,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

type operationResponse struct {
	ID      string              `json:"id"`
	Outcome domain.Outcome      `json:"outcome"`
	Steps   []domain.StepResult `json:"steps"`
	Error   string              `json:"error,omitempty"`
}

// Executor runs lifecycle operations.
type Executor interface {
	Execute(ctx context.Context, op domain.Operation) domain.OperationResult
}

// StatusReporter builds the status snapshot.
type StatusReporter interface {
	Report(ctx context.Context) (status.Report, error)
}

type API struct {
	exec   Executor
	status StatusReporter
	logger *slog.Logger
}

func NewAPI(exec Executor, reporter StatusReporter, logger *slog.Logger) *API {
	return &API{exec: exec, status: reporter, logger: logger}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/ping", a.ping)
	router.GET("/status", a.getStatus)
	router.POST("/operations", a.runOperation)
	router.POST("/self-update", a.selfUpdate)
}

func (a *API) ping(c *gin.Context) {
	c.JSON(http.StatusOK, response{Ok: true})
}

func (a *API) getStatus(c *gin.Context) {
	report, err := a.status.Report(c.Request.Context())
	if err != nil {
		a.logger.Error("status failed", "err", err)
		c.JSON(http.StatusInternalServerError, response{Ok: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: report})
}

func (a *API) runOperation(c *gin.Context) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.logger.Warn("run operation: invalid payload", "err", err)
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}

	op, ok := parseOperation(req)
	if !ok {
		a.logger.Warn("run operation: unknown operation", "operation", req.Operation)
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: "unknown operation"})
		return
	}

	a.respondResult(c, a.exec.Execute(c.Request.Context(), op))
}

func (a *API) selfUpdate(c *gin.Context) {
	a.respondResult(c, a.exec.Execute(c.Request.Context(), domain.Operation{Kind: domain.OpUpdateManager}))
}

func (a *API) respondResult(c *gin.Context, result domain.OperationResult) {
	body := operationResponse{
		ID:      result.ID,
		Outcome: result.Outcome,
		Steps:   result.Steps,
		Error:   result.ErrorMessage(),
	}
	switch result.Outcome {
	case domain.OutcomeSuccess:
		c.JSON(http.StatusOK, response{Ok: true, Data: body})
	default:
		code := http.StatusInternalServerError
		if errors.Is(result.Err, dmerr.ErrBusy) {
			code = http.StatusConflict
		}
		a.logger.Error("operation failed",
			"op", string(result.Operation), "id", result.ID,
			"outcome", string(result.Outcome), "err", result.ErrorMessage(),
		)
		c.JSON(code, response{Ok: false, Data: body, Error: result.ErrorMessage()})
	}
}

func parseOperation(req operationRequest) (domain.Operation, bool) {
	op := domain.Operation{}
	switch req.Operation {
	case "install":
		op.Kind = domain.OpInstall
	case "update":
		op.Kind = domain.OpUpdateAgent
	case "apply-settings":
		op.Kind = domain.OpApplySettingsOnly
	case "uninstall":
		op.Kind = domain.OpUninstall
	default:
		return domain.Operation{}, false
	}

	if req.Version != "" {
		v, err := domain.ParseVersion(req.Version)
		if err != nil {
			return domain.Operation{}, false
		}
		op.Target.Pinned = v
	}
	op.Target.ForceReinstall = req.Force
	return op, true
}
