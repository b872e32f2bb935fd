package batch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/t-sync/tsync/internal/batch"
	"github.com/t-sync/tsync/internal/directory"
	"github.com/t-sync/tsync/internal/resolver"
)

type noopDirectoryClient struct{}

func (noopDirectoryClient) ImportContact(context.Context, string) ([]directory.Identity, error) {
	return nil, nil
}

func (noopDirectoryClient) DeleteContacts(context.Context, []int64) error { return nil }

func (noopDirectoryClient) ResolveEntity(context.Context, string) (directory.EntityRef, error) {
	return directory.EntityRef{}, nil
}

func (noopDirectoryClient) InviteToGroup(context.Context, directory.EntityRef, int64) error {
	return nil
}

func (noopDirectoryClient) DownloadProfilePhoto(context.Context, int64) ([]byte, error) {
	return nil, nil
}

type recordingResolver struct {
	mutex          sync.Mutex
	resolvedPhones []string
	outcomes       map[string]resolver.Outcome
	onResolve      func(phoneNumber string)
}

func (stub *recordingResolver) Resolve(_ context.Context, _ directory.Client, phoneNumber string) resolver.Outcome {
	stub.mutex.Lock()
	stub.resolvedPhones = append(stub.resolvedPhones, phoneNumber)
	stub.mutex.Unlock()

	if stub.onResolve != nil {
		stub.onResolve(phoneNumber)
	}
	if outcome, exists := stub.outcomes[phoneNumber]; exists {
		return outcome
	}
	return resolver.Outcome{ErrorKind: resolver.ErrorKindNotFound, Error: "no match"}
}

func (stub *recordingResolver) phones() []string {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	copied := make([]string, len(stub.resolvedPhones))
	copy(copied, stub.resolvedPhones)
	return copied
}

type stubCredentialsReader struct {
	credentials directory.Credentials
	readError   error
}

func (stub stubCredentialsReader) Credentials(string) (directory.Credentials, error) {
	return stub.credentials, stub.readError
}

type recordingResultsWriter struct {
	mutex     sync.Mutex
	documents map[string][]byte
	saveError error
}

func (stub *recordingResultsWriter) SaveResults(operatorID string, resultsDocument []byte) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.documents == nil {
		stub.documents = make(map[string][]byte)
	}
	stub.documents[operatorID] = resultsDocument
	return stub.saveError
}

func (stub *recordingResultsWriter) document(operatorID string) ([]byte, bool) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stored, exists := stub.documents[operatorID]
	return stored, exists
}

func noopClientFactory(directory.Credentials) (directory.Client, error) {
	return noopDirectoryClient{}, nil
}

func newTestService(t *testing.T, configuration batch.Config) *batch.Service {
	t.Helper()

	if configuration.Credentials == nil {
		configuration.Credentials = stubCredentialsReader{
			credentials: directory.Credentials{StringSession: "session", APIID: 1, APIHash: "hash"},
		}
	}
	if configuration.Clients == nil {
		configuration.Clients = noopClientFactory
	}
	if configuration.Pacing.BaseDelay == 0 {
		configuration.Pacing.BaseDelay = time.Millisecond
	}

	service, err := batch.NewService(configuration)
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := batch.NewService(batch.Config{}); err == nil {
		t.Fatal("expected an error without a resolver")
	}
	if _, err := batch.NewService(batch.Config{Resolver: &recordingResolver{}}); err == nil {
		t.Fatal("expected an error without a client factory")
	}
}

func TestValidateBatchNormalizesAndDeduplicates(t *testing.T) {
	t.Parallel()

	phoneResolver := &recordingResolver{
		outcomes: map[string]resolver.Outcome{
			"+15550001111": {ID: 1001, Phone: "+15550001111"},
		},
	}
	writer := &recordingResultsWriter{}
	service := newTestService(t, batch.Config{Resolver: phoneResolver, Results: writer})

	results, err := service.ValidateBatch(context.Background(), "operator-a", []string{
		"+1 555 000 1111",
		"+15550001111",
		"invalid",
	})
	if err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}

	if results.Len() != 2 {
		t.Fatalf("expected two distinct entries, received %d", results.Len())
	}
	resolvedPhones := phoneResolver.phones()
	if len(resolvedPhones) != 2 {
		t.Fatalf("duplicate numbers must not be re-resolved, resolved %v", resolvedPhones)
	}
	if resolvedPhones[0] != "+15550001111" || resolvedPhones[1] != "invalid" {
		t.Fatalf("unexpected resolution order: %v", resolvedPhones)
	}

	outcome, exists := results.Outcome("+15550001111")
	if !exists || outcome.ID != 1001 {
		t.Fatalf("expected the resolved outcome, received %+v", outcome)
	}
	failed, exists := results.Outcome("invalid")
	if !exists || failed.Resolved() {
		t.Fatalf("expected a failed outcome for the invalid number, received %+v", failed)
	}

	document, persisted := writer.document("operator-a")
	if !persisted {
		t.Fatal("expected the results document to be persisted")
	}
	if !strings.Contains(string(document), "+15550001111") {
		t.Fatalf("persisted document is missing entries: %s", document)
	}
}

func TestValidateBatchPacesBetweenItems(t *testing.T) {
	t.Parallel()

	phoneResolver := &recordingResolver{}
	service := newTestService(t, batch.Config{
		Resolver: phoneResolver,
		Pacing:   batch.PacingConfig{BaseDelay: 25 * time.Millisecond},
	})

	startedAt := time.Now()
	_, err := service.ValidateBatch(context.Background(), "operator-a", []string{
		"+15550001111", "+15550002222", "+15550003333",
	})
	if err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}
	if elapsed := time.Since(startedAt); elapsed < 50*time.Millisecond {
		t.Fatalf("three items require two delays, batch finished after %v", elapsed)
	}
}

func TestValidateBatchReportsProgress(t *testing.T) {
	t.Parallel()

	var reports []batch.ProgressReport
	phoneResolver := &recordingResolver{}
	service := newTestService(t, batch.Config{
		Resolver: phoneResolver,
		Progress: func(report batch.ProgressReport) {
			reports = append(reports, report)
		},
	})

	if _, err := service.ValidateBatch(context.Background(), "operator-a", []string{"+15550001111", "+15550002222"}); err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}

	if len(reports) != 2 {
		t.Fatalf("expected one report per item, received %d", len(reports))
	}
	final := reports[len(reports)-1]
	if final.Processed != 2 || final.Total != 2 || final.OperatorID != "operator-a" {
		t.Fatalf("unexpected final report: %+v", final)
	}
}

func TestValidateBatchRejectsConcurrentRunsPerOperator(t *testing.T) {
	t.Parallel()

	resolveStarted := make(chan struct{})
	releaseResolve := make(chan struct{})
	var signalOnce sync.Once
	phoneResolver := &recordingResolver{
		onResolve: func(string) {
			signalOnce.Do(func() { close(resolveStarted) })
			<-releaseResolve
		},
	}
	service := newTestService(t, batch.Config{Resolver: phoneResolver})

	firstBatchDone := make(chan error, 1)
	go func() {
		_, runErr := service.ValidateBatch(context.Background(), "operator-a", []string{"+15550001111"})
		firstBatchDone <- runErr
	}()

	<-resolveStarted
	if _, err := service.ValidateBatch(context.Background(), "operator-a", []string{"+15550002222"}); !errors.Is(err, batch.ErrBatchInFlight) {
		t.Fatalf("expected ErrBatchInFlight, received %v", err)
	}

	close(releaseResolve)
	if runErr := <-firstBatchDone; runErr != nil {
		t.Fatalf("first batch failed: %v", runErr)
	}

	if _, err := service.ValidateBatch(context.Background(), "operator-a", []string{"+15550003333"}); err != nil {
		t.Fatalf("operator must be admitted again after release, received %v", err)
	}
}

func TestValidateBatchCancellationSkipsPersistence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	phoneResolver := &recordingResolver{
		onResolve: func(string) { cancel() },
	}
	writer := &recordingResultsWriter{}
	service := newTestService(t, batch.Config{Resolver: phoneResolver, Results: writer})

	partial, err := service.ValidateBatch(ctx, "operator-a", []string{"+15550001111", "+15550002222"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, received %v", err)
	}
	if partial == nil || partial.Len() != 1 {
		t.Fatalf("expected the partial map with one entry, received %+v", partial)
	}
	if _, persisted := writer.document("operator-a"); persisted {
		t.Fatal("a cancelled batch must not persist results")
	}
}

func TestValidateBatchPropagatesCredentialFailure(t *testing.T) {
	t.Parallel()

	phoneResolver := &recordingResolver{}
	service := newTestService(t, batch.Config{
		Resolver:    phoneResolver,
		Credentials: stubCredentialsReader{readError: errors.New("session missing")},
	})

	if _, err := service.ValidateBatch(context.Background(), "operator-a", []string{"+15550001111"}); err == nil {
		t.Fatal("expected a setup error for missing credentials")
	}
	if len(phoneResolver.phones()) != 0 {
		t.Fatalf("no resolution expected without credentials, resolved %v", phoneResolver.phones())
	}
}

func TestValidateBatchPropagatesPersistFailure(t *testing.T) {
	t.Parallel()

	phoneResolver := &recordingResolver{}
	writer := &recordingResultsWriter{saveError: errors.New("disk full")}
	service := newTestService(t, batch.Config{Resolver: phoneResolver, Results: writer})

	if _, err := service.ValidateBatch(context.Background(), "operator-a", []string{"+15550001111"}); err == nil {
		t.Fatal("expected a persistence error to propagate")
	}
}
