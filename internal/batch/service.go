package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/t-sync/tsync/internal/directory"
	"github.com/t-sync/tsync/internal/resolver"
)

const (
	errMessageMissingResolver   = "batch validator requires a resolver"
	errMessageMissingClients    = "batch validator requires a client factory"
	errMessageMissingCreds      = "batch validator requires a credentials reader"
	errMessageBatchInFlight     = "a batch is already running for this operator"
	errMessageLoadCredentials   = "load operator credentials"
	errMessageCreateClient      = "create directory client"
	errMessageEncodeResults     = "encode results document"
	errMessagePersistResults    = "persist results document"

	logMessageBatchStarted   = "validation batch started"
	logMessageBatchCompleted = "validation batch completed"
	logFieldOperatorID       = "operator_id"
	logFieldTotal            = "total"
	logFieldResolved         = "resolved"
)

// ErrBatchInFlight reports that the operator already has a running batch.
var ErrBatchInFlight = errors.New(errMessageBatchInFlight)

// PhoneResolver resolves a single phone number into an outcome.
type PhoneResolver interface {
	Resolve(ctx context.Context, client directory.Client, phoneNumber string) resolver.Outcome
}

// CredentialsReader supplies the operator's credential bundle.
type CredentialsReader interface {
	Credentials(operatorID string) (directory.Credentials, error)
}

// ResultsWriter persists a completed results document for an operator.
type ResultsWriter interface {
	SaveResults(operatorID string, resultsDocument []byte) error
}

// ProgressReport describes per-item validation progress.
type ProgressReport struct {
	OperatorID  string
	PhoneNumber string
	Processed   int
	Total       int
}

// ProgressFunc receives progress reports during a batch run.
type ProgressFunc func(report ProgressReport)

// Config configures a Service instance.
type Config struct {
	Resolver    PhoneResolver
	Credentials CredentialsReader
	Clients     directory.ClientFactory
	Results     ResultsWriter
	Pacing      PacingConfig
	Progress    ProgressFunc
	Logger      *zap.Logger
}

// Service drives the resolver over an ordered phone-number list for one
// operator at a time. Resolution is strictly sequential per operator;
// batches for distinct operators may run concurrently.
type Service struct {
	resolver    PhoneResolver
	credentials CredentialsReader
	clients     directory.ClientFactory
	results     ResultsWriter
	pacing      PacingConfig
	progress    ProgressFunc
	logger      *zap.Logger

	admissionMutex sync.Mutex
	inFlight       map[string]struct{}
}

// NewService constructs a Service from configuration values.
func NewService(configuration Config) (*Service, error) {
	if configuration.Resolver == nil {
		return nil, errors.New(errMessageMissingResolver)
	}
	if configuration.Clients == nil {
		return nil, errors.New(errMessageMissingClients)
	}
	if configuration.Credentials == nil {
		return nil, errors.New(errMessageMissingCreds)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	service := &Service{
		resolver:    configuration.Resolver,
		credentials: configuration.Credentials,
		clients:     configuration.Clients,
		results:     configuration.Results,
		pacing:      configuration.Pacing,
		progress:    configuration.Progress,
		logger:      logger,
		inFlight:    make(map[string]struct{}),
	}
	return service, nil
}

// ValidateBatch resolves the supplied phone numbers in order and persists
// the completed results map for the operator. Per-item failures are recorded
// in the map and never abort the batch; only setup failures and cancellation
// return an error. A cancelled or failed batch persists nothing.
func (service *Service) ValidateBatch(ctx context.Context, operatorID string, phoneNumbers []string) (*ResultsMap, error) {
	if admitErr := service.admit(operatorID); admitErr != nil {
		return nil, admitErr
	}
	defer service.release(operatorID)

	credentials, credentialsErr := service.credentials.Credentials(operatorID)
	if credentialsErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageLoadCredentials, credentialsErr)
	}
	client, clientErr := service.clients(credentials)
	if clientErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageCreateClient, clientErr)
	}

	distinctNumbers := normalizePhoneNumbers(phoneNumbers)
	service.logger.Info(logMessageBatchStarted,
		zap.String(logFieldOperatorID, operatorID),
		zap.Int(logFieldTotal, len(distinctNumbers)),
	)

	pacer := NewPacer(service.pacing)
	results := NewResultsMap()
	for index, phoneNumber := range distinctNumbers {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		if index > 0 {
			if waitErr := pacer.Wait(ctx); waitErr != nil {
				return results, waitErr
			}
		}

		results.Set(phoneNumber, service.resolver.Resolve(ctx, client, phoneNumber))
		service.reportProgress(operatorID, phoneNumber, index+1, len(distinctNumbers))
	}

	if persistErr := service.persistResults(operatorID, results); persistErr != nil {
		return results, persistErr
	}

	service.logger.Info(logMessageBatchCompleted,
		zap.String(logFieldOperatorID, operatorID),
		zap.Int(logFieldTotal, results.Len()),
		zap.Int(logFieldResolved, results.ResolvedCount()),
	)
	return results, nil
}

func (service *Service) admit(operatorID string) error {
	service.admissionMutex.Lock()
	defer service.admissionMutex.Unlock()

	if _, running := service.inFlight[operatorID]; running {
		return fmt.Errorf("%w: %s", ErrBatchInFlight, operatorID)
	}
	service.inFlight[operatorID] = struct{}{}
	return nil
}

func (service *Service) release(operatorID string) {
	service.admissionMutex.Lock()
	defer service.admissionMutex.Unlock()
	delete(service.inFlight, operatorID)
}

func (service *Service) reportProgress(operatorID string, phoneNumber string, processed int, total int) {
	if service.progress == nil {
		return
	}
	service.progress(ProgressReport{
		OperatorID:  operatorID,
		PhoneNumber: phoneNumber,
		Processed:   processed,
		Total:       total,
	})
}

func (service *Service) persistResults(operatorID string, results *ResultsMap) error {
	if service.results == nil {
		return nil
	}
	resultsDocument, marshalErr := json.Marshal(results)
	if marshalErr != nil {
		return fmt.Errorf("%s: %w", errMessageEncodeResults, marshalErr)
	}
	if saveErr := service.results.SaveResults(operatorID, resultsDocument); saveErr != nil {
		return fmt.Errorf("%s: %w", errMessagePersistResults, saveErr)
	}
	return nil
}

// normalizePhoneNumbers strips all Unicode whitespace from each number and
// drops empties and duplicates, keeping first-occurrence order.
func normalizePhoneNumbers(phoneNumbers []string) []string {
	normalized := make([]string, 0, len(phoneNumbers))
	seen := make(map[string]struct{}, len(phoneNumbers))
	for _, phoneNumber := range phoneNumbers {
		stripped := stripWhitespace(phoneNumber)
		if stripped == "" {
			continue
		}
		if _, exists := seen[stripped]; exists {
			continue
		}
		seen[stripped] = struct{}{}
		normalized = append(normalized, stripped)
	}
	return normalized
}

func stripWhitespace(value string) string {
	return strings.Map(func(character rune) rune {
		if unicode.IsSpace(character) {
			return -1
		}
		return character
	}, value)
}
