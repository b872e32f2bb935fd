package membership

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/t-sync/tsync/internal/batch"
	"github.com/t-sync/tsync/internal/directory"
)

const (
	errMessageMissingClients     = "membership reconciler requires a client factory"
	errMessageMissingCredentials = "membership reconciler requires a credentials reader"
	errMessageMissingBlockList   = "membership reconciler requires a block-list reader"
	errMessageLoadCredentials    = "load operator credentials"
	errMessageCreateClient       = "create directory client"
	errMessageResolveGroup       = "resolve group handle"
	errMessageLoadBlockList      = "load operator block list"

	progressSnapshotInterval = 5

	logMessageReconcileStarted   = "membership reconciliation started"
	logMessageReconcileCompleted = "membership reconciliation completed"
	logMessageInviteFailed       = "group invitation failed"
	logMessageAlreadyMember      = "identity is already a group member"
	logFieldOperatorID           = "operator_id"
	logFieldGroupHandle          = "group_handle"
	logFieldIdentityID           = "identity_id"
	logFieldAdded                = "added"
	logFieldFailed               = "failed"
)

// AttemptStatus classifies one membership attempt.
type AttemptStatus string

const (
	StatusAdded             AttemptStatus = "added"
	StatusAlreadyMember     AttemptStatus = "already_member"
	StatusPrivacyRestricted AttemptStatus = "privacy_restricted"
	StatusBlocked           AttemptStatus = "blocked"
	StatusFailed            AttemptStatus = "failed"
)

// Attempt records the outcome of one identity's membership attempt.
type Attempt struct {
	PhoneNumber string        `json:"phone"`
	IdentityID  int64         `json:"identity_id"`
	Identifier  string        `json:"identifier"`
	Status      AttemptStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
}

// Summary aggregates a reconciliation run. Additions already made stand even
// when later entries fail.
type Summary struct {
	GroupHandle string              `json:"group_handle"`
	Group       directory.EntityRef `json:"group"`
	Attempts    []Attempt           `json:"attempts,omitempty"`

	Added             int `json:"added"`
	AlreadyMember     int `json:"already_member"`
	Blocked           int `json:"blocked"`
	PrivacyRestricted int `json:"privacy_restricted"`
	Failed            int `json:"failed"`

	Succeeded         []string `json:"succeeded,omitempty"`
	FailedIdentifiers []string `json:"failed_identifiers,omitempty"`
}

// ProgressSnapshot reports additions so far against the resolved,
// non-blocked total.
type ProgressSnapshot struct {
	OperatorID  string
	GroupHandle string
	Current     int
	Total       int
}

// ProgressFunc receives progress snapshots during a reconciliation run.
type ProgressFunc func(snapshot ProgressSnapshot)

// CredentialsReader supplies the operator's credential bundle.
type CredentialsReader interface {
	Credentials(operatorID string) (directory.Credentials, error)
}

// BlockListReader supplies the operator's block list.
type BlockListReader interface {
	BlockedIdentities(operatorID string) (map[int64]struct{}, error)
}

// Config configures a Service instance.
type Config struct {
	Credentials CredentialsReader
	Clients     directory.ClientFactory
	Blocked     BlockListReader
	Pacing      batch.PacingConfig
	Progress    ProgressFunc
	Logger      *zap.Logger
}

// Service reconciles a persisted results map against a target group by
// inviting every resolved, non-blocked identity.
type Service struct {
	credentials CredentialsReader
	clients     directory.ClientFactory
	blocked     BlockListReader
	pacing      batch.PacingConfig
	progress    ProgressFunc
	logger      *zap.Logger
}

// NewService constructs a Service from configuration values.
func NewService(configuration Config) (*Service, error) {
	if configuration.Clients == nil {
		return nil, errors.New(errMessageMissingClients)
	}
	if configuration.Credentials == nil {
		return nil, errors.New(errMessageMissingCredentials)
	}
	if configuration.Blocked == nil {
		return nil, errors.New(errMessageMissingBlockList)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	service := &Service{
		credentials: configuration.Credentials,
		clients:     configuration.Clients,
		blocked:     configuration.Blocked,
		pacing:      configuration.Pacing,
		progress:    configuration.Progress,
		logger:      logger,
	}
	return service, nil
}

// AddResolvedToGroup walks the results map in stored order and attempts to
// add every resolved, non-blocked identity to the group. Setup failures
// (credentials, block list, group handle) abort the run before any identity
// is processed; per-identity failures are classified and the run continues.
func (service *Service) AddResolvedToGroup(ctx context.Context, operatorID string, groupHandle string, results *batch.ResultsMap) (Summary, error) {
	summary := Summary{GroupHandle: groupHandle}

	credentials, credentialsErr := service.credentials.Credentials(operatorID)
	if credentialsErr != nil {
		return summary, fmt.Errorf("%s: %w", errMessageLoadCredentials, credentialsErr)
	}
	client, clientErr := service.clients(credentials)
	if clientErr != nil {
		return summary, fmt.Errorf("%s: %w", errMessageCreateClient, clientErr)
	}

	group, groupErr := client.ResolveEntity(ctx, groupHandle)
	if groupErr != nil {
		return summary, fmt.Errorf("%s %s: %w", errMessageResolveGroup, groupHandle, groupErr)
	}
	summary.Group = group

	blocked, blockedErr := service.blocked.BlockedIdentities(operatorID)
	if blockedErr != nil {
		return summary, fmt.Errorf("%s: %w", errMessageLoadBlockList, blockedErr)
	}

	service.logger.Info(logMessageReconcileStarted,
		zap.String(logFieldOperatorID, operatorID),
		zap.String(logFieldGroupHandle, groupHandle),
	)

	total := eligibleTotal(results, blocked)
	pacer := batch.NewPacer(service.pacing)
	processed := 0

	for _, phoneNumber := range results.Phones() {
		outcome, _ := results.Outcome(phoneNumber)
		if !outcome.Resolved() {
			continue
		}

		if _, isBlocked := blocked[outcome.ID]; isBlocked {
			summary.record(Attempt{
				PhoneNumber: phoneNumber,
				IdentityID:  outcome.ID,
				Identifier:  identityIdentifier(outcome.Username, outcome.ID),
				Status:      StatusBlocked,
			})
			continue
		}

		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		attempt := service.invite(ctx, client, group, phoneNumber, outcome.ID, outcome.Username)
		summary.record(attempt)
		processed++

		snapshotDue := attempt.Status == StatusAdded && summary.Added%progressSnapshotInterval == 0
		if snapshotDue || processed == total {
			service.reportProgress(operatorID, groupHandle, summary.Added, total)
		}

		if attempt.Status != StatusAlreadyMember && processed < total {
			if waitErr := pacer.Wait(ctx); waitErr != nil {
				return summary, waitErr
			}
		}
	}

	service.logger.Info(logMessageReconcileCompleted,
		zap.String(logFieldOperatorID, operatorID),
		zap.String(logFieldGroupHandle, groupHandle),
		zap.Int(logFieldAdded, summary.Added),
		zap.Int(logFieldFailed, summary.PrivacyRestricted+summary.Failed),
	)
	return summary, nil
}

func (service *Service) invite(ctx context.Context, client directory.Client, group directory.EntityRef, phoneNumber string, identityID int64, username string) Attempt {
	attempt := Attempt{
		PhoneNumber: phoneNumber,
		IdentityID:  identityID,
		Identifier:  identityIdentifier(username, identityID),
	}

	inviteErr := client.InviteToGroup(ctx, group, identityID)
	switch {
	case inviteErr == nil:
		attempt.Status = StatusAdded
	case errors.Is(inviteErr, directory.ErrAlreadyParticipant):
		attempt.Status = StatusAlreadyMember
		service.logger.Info(logMessageAlreadyMember, zap.Int64(logFieldIdentityID, identityID))
	case errors.Is(inviteErr, directory.ErrPrivacyRestricted):
		attempt.Status = StatusPrivacyRestricted
		attempt.Reason = inviteErr.Error()
		service.logger.Warn(logMessageInviteFailed,
			zap.Int64(logFieldIdentityID, identityID),
			zap.Error(inviteErr),
		)
	default:
		attempt.Status = StatusFailed
		attempt.Reason = inviteErr.Error()
		service.logger.Warn(logMessageInviteFailed,
			zap.Int64(logFieldIdentityID, identityID),
			zap.Error(inviteErr),
		)
	}
	return attempt
}

func (summary *Summary) record(attempt Attempt) {
	summary.Attempts = append(summary.Attempts, attempt)
	switch attempt.Status {
	case StatusAdded:
		summary.Added++
		summary.Succeeded = append(summary.Succeeded, attempt.Identifier)
	case StatusAlreadyMember:
		summary.AlreadyMember++
	case StatusBlocked:
		summary.Blocked++
	case StatusPrivacyRestricted:
		summary.PrivacyRestricted++
		summary.FailedIdentifiers = append(summary.FailedIdentifiers, attempt.PhoneNumber)
	case StatusFailed:
		summary.Failed++
		summary.FailedIdentifiers = append(summary.FailedIdentifiers, attempt.PhoneNumber)
	}
}

func (service *Service) reportProgress(operatorID string, groupHandle string, current int, total int) {
	if service.progress == nil {
		return
	}
	service.progress(ProgressSnapshot{
		OperatorID:  operatorID,
		GroupHandle: groupHandle,
		Current:     current,
		Total:       total,
	})
}

func eligibleTotal(results *batch.ResultsMap, blocked map[int64]struct{}) int {
	total := 0
	for _, phoneNumber := range results.Phones() {
		outcome, _ := results.Outcome(phoneNumber)
		if !outcome.Resolved() {
			continue
		}
		if _, isBlocked := blocked[outcome.ID]; isBlocked {
			continue
		}
		total++
	}
	return total
}

func identityIdentifier(username string, identityID int64) string {
	if username != "" {
		return username
	}
	return strconv.FormatInt(identityID, 10)
}
