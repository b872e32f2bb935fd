package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t-sync/tsync/internal/batch"
	"github.com/t-sync/tsync/internal/membership"
	"github.com/t-sync/tsync/internal/store"
)

const (
	healthRoutePath    = "/healthz"
	taskRoutePath      = "/tasks/:task"
	batchesRoutePath   = "/operators/:operator/batches"
	invitesRoutePath   = "/operators/:operator/invitations"
	resultsRoutePath   = "/operators/:operator/results"
	blocklistRoutePath = "/operators/:operator/blocklist"
	blockEntryPath     = "/operators/:operator/blocklist/:identity"

	operatorParamName = "operator"
	taskParamName     = "task"
	identityParamName = "identity"

	groupHandlePrefix = "@"

	jsonContentType = "application/json; charset=utf-8"

	healthStatusKey = "status"
	healthStatusOK  = "ok"
	errorKey        = "error"

	errorMessageEmptyPhoneList     = "phone number list cannot be empty"
	errorMessageInvalidRequestBody = "invalid request body"
	errorMessageInvalidGroupHandle = "group handle must begin with @"
	errorMessageInvalidIdentityID  = "identity id must be numeric"
	errorMessageTaskNotFound       = "task not found"
	errorMessageResultsNotFound    = "no results stored for operator"
	errorMessageResultsUnreadable  = "stored results could not be decoded"
	errorMessageBlocklistUpdate    = "block list update failed"

	logMessageBatchRejected = "validation batch rejected"
	logMessageTaskFailed    = "background task failed"
	logFieldOperatorID      = "operator_id"
	logFieldTaskID          = "task_id"
	ginModeRelease          = "release"
)

// BatchValidator starts a validation batch for one operator.
type BatchValidator interface {
	ValidateBatch(ctx context.Context, operatorID string, phoneNumbers []string) (*batch.ResultsMap, error)
}

// MembershipReconciler reconciles stored results into a target group.
type MembershipReconciler interface {
	AddResolvedToGroup(ctx context.Context, operatorID string, groupHandle string, results *batch.ResultsMap) (membership.Summary, error)
}

// OperatorStore exposes the persisted per-operator state the HTTP surface
// reads and mutates.
type OperatorStore interface {
	Results(operatorID string) ([]byte, error)
	BlockIdentity(operatorID string, identityID int64) error
	UnblockIdentity(operatorID string, identityID int64) error
}

// RouterConfig configures the HTTP routing for the pipeline surface.
type RouterConfig struct {
	Validator  BatchValidator
	Reconciler MembershipReconciler
	Store      OperatorStore
	Tracker    *TaskTracker
	Runner     *Runner
	Logger     *zap.Logger
}

// NewRouter constructs a Gin engine wired with the pipeline handlers.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := configuration.Tracker
	if tracker == nil {
		tracker = NewTaskTracker()
	}
	runner := configuration.Runner
	if runner == nil {
		runner = NewRunner(context.Background(), 0)
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := pipelineHandler{
		validator:  configuration.Validator,
		reconciler: configuration.Reconciler,
		store:      configuration.Store,
		tracker:    tracker,
		runner:     runner,
		logger:     logger,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(taskRoutePath, handler.taskSnapshot)
	engine.POST(batchesRoutePath, handler.startBatch)
	engine.POST(invitesRoutePath, handler.startReconciliation)
	engine.GET(resultsRoutePath, handler.exportResults)
	engine.POST(blocklistRoutePath, handler.blockIdentity)
	engine.DELETE(blockEntryPath, handler.unblockIdentity)

	return engine, nil
}

type pipelineHandler struct {
	validator  BatchValidator
	reconciler MembershipReconciler
	store      OperatorStore
	tracker    *TaskTracker
	runner     *Runner
	logger     *zap.Logger
}

type startBatchRequest struct {
	PhoneNumbers []string `json:"phone_numbers"`
}

type startReconciliationRequest struct {
	GroupHandle string `json:"group_handle"`
}

type blockIdentityRequest struct {
	IdentityID int64 `json:"identity_id"`
}

type taskAcceptedResponse struct {
	TaskID string `json:"task_id"`
}

func (handler pipelineHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler pipelineHandler) taskSnapshot(ginContext *gin.Context) {
	snapshot, exists := handler.tracker.TaskSnapshot(ginContext.Param(taskParamName))
	if !exists {
		ginContext.JSON(http.StatusNotFound, map[string]string{errorKey: errorMessageTaskNotFound})
		return
	}
	ginContext.JSON(http.StatusOK, snapshot)
}

func (handler pipelineHandler) startBatch(ginContext *gin.Context) {
	operatorID := ginContext.Param(operatorParamName)

	var request startBatchRequest
	if bindErr := ginContext.ShouldBindJSON(&request); bindErr != nil {
		ginContext.JSON(http.StatusBadRequest, map[string]string{errorKey: errorMessageInvalidRequestBody})
		return
	}
	if len(request.PhoneNumbers) == 0 {
		ginContext.JSON(http.StatusBadRequest, map[string]string{errorKey: errorMessageEmptyPhoneList})
		return
	}

	snapshot, createErr := handler.tracker.CreateTask(operatorID, TaskKindValidation, len(request.PhoneNumbers))
	if createErr != nil {
		handler.logger.Warn(logMessageBatchRejected,
			zap.String(logFieldOperatorID, operatorID),
			zap.Error(createErr),
		)
		ginContext.JSON(http.StatusConflict, map[string]string{errorKey: createErr.Error()})
		return
	}

	phoneNumbers := request.PhoneNumbers
	handler.runner.Go(func(ctx context.Context) {
		_, runErr := handler.validator.ValidateBatch(ctx, operatorID, phoneNumbers)
		if runErr != nil {
			handler.logger.Warn(logMessageTaskFailed,
				zap.String(logFieldTaskID, snapshot.Identifier),
				zap.Error(runErr),
			)
		}
		handler.tracker.CompleteTask(snapshot.Identifier, runErr)
	})

	ginContext.JSON(http.StatusAccepted, taskAcceptedResponse{TaskID: snapshot.Identifier})
}

func (handler pipelineHandler) startReconciliation(ginContext *gin.Context) {
	operatorID := ginContext.Param(operatorParamName)

	var request startReconciliationRequest
	if bindErr := ginContext.ShouldBindJSON(&request); bindErr != nil {
		ginContext.JSON(http.StatusBadRequest, map[string]string{errorKey: errorMessageInvalidRequestBody})
		return
	}
	groupHandle := strings.TrimSpace(request.GroupHandle)
	if !strings.HasPrefix(groupHandle, groupHandlePrefix) {
		ginContext.JSON(http.StatusBadRequest, map[string]string{errorKey: errorMessageInvalidGroupHandle})
		return
	}

	resultsDocument, resultsErr := handler.store.Results(operatorID)
	if resultsErr != nil {
		if errors.Is(resultsErr, store.ErrResultsMissing) {
			ginContext.JSON(http.StatusNotFound, map[string]string{errorKey: errorMessageResultsNotFound})
			return
		}
		ginContext.JSON(http.StatusInternalServerError, map[string]string{errorKey: resultsErr.Error()})
		return
	}

	results := batch.NewResultsMap()
	if unmarshalErr := results.UnmarshalJSON(resultsDocument); unmarshalErr != nil {
		ginContext.JSON(http.StatusInternalServerError, map[string]string{errorKey: errorMessageResultsUnreadable})
		return
	}

	snapshot, createErr := handler.tracker.CreateTask(operatorID, TaskKindReconciliation, results.ResolvedCount())
	if createErr != nil {
		ginContext.JSON(http.StatusConflict, map[string]string{errorKey: createErr.Error()})
		return
	}

	handler.runner.Go(func(ctx context.Context) {
		summary, runErr := handler.reconciler.AddResolvedToGroup(ctx, operatorID, groupHandle, results)
		if runErr != nil {
			handler.logger.Warn(logMessageTaskFailed,
				zap.String(logFieldTaskID, snapshot.Identifier),
				zap.Error(runErr),
			)
		}
		handler.tracker.CompleteReconciliation(snapshot.Identifier, summary, runErr)
	})

	ginContext.JSON(http.StatusAccepted, taskAcceptedResponse{TaskID: snapshot.Identifier})
}

func (handler pipelineHandler) exportResults(ginContext *gin.Context) {
	resultsDocument, resultsErr := handler.store.Results(ginContext.Param(operatorParamName))
	if resultsErr != nil {
		if errors.Is(resultsErr, store.ErrResultsMissing) {
			ginContext.JSON(http.StatusNotFound, map[string]string{errorKey: errorMessageResultsNotFound})
			return
		}
		ginContext.JSON(http.StatusInternalServerError, map[string]string{errorKey: resultsErr.Error()})
		return
	}
	ginContext.Data(http.StatusOK, jsonContentType, resultsDocument)
}

func (handler pipelineHandler) blockIdentity(ginContext *gin.Context) {
	var request blockIdentityRequest
	if bindErr := ginContext.ShouldBindJSON(&request); bindErr != nil || request.IdentityID == 0 {
		ginContext.JSON(http.StatusBadRequest, map[string]string{errorKey: errorMessageInvalidRequestBody})
		return
	}
	if blockErr := handler.store.BlockIdentity(ginContext.Param(operatorParamName), request.IdentityID); blockErr != nil {
		ginContext.JSON(http.StatusInternalServerError, map[string]string{errorKey: errorMessageBlocklistUpdate})
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler pipelineHandler) unblockIdentity(ginContext *gin.Context) {
	identityID, parseErr := strconv.ParseInt(ginContext.Param(identityParamName), 10, 64)
	if parseErr != nil {
		ginContext.JSON(http.StatusBadRequest, map[string]string{errorKey: errorMessageInvalidIdentityID})
		return
	}
	if unblockErr := handler.store.UnblockIdentity(ginContext.Param(operatorParamName), identityID); unblockErr != nil {
		ginContext.JSON(http.StatusInternalServerError, map[string]string{errorKey: errorMessageBlocklistUpdate})
		return
	}
	ginContext.Status(http.StatusNoContent)
}
