package membership_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/t-sync/tsync/internal/batch"
	"github.com/t-sync/tsync/internal/directory"
	"github.com/t-sync/tsync/internal/membership"
	"github.com/t-sync/tsync/internal/resolver"
)

type scriptedGroupClient struct {
	group            directory.EntityRef
	resolveError     error
	inviteErrorsByID map[int64]error

	mutex              sync.Mutex
	resolveCalls       int
	invitedIdentityIDs []int64
}

func (client *scriptedGroupClient) ImportContact(context.Context, string) ([]directory.Identity, error) {
	return nil, nil
}

func (client *scriptedGroupClient) DeleteContacts(context.Context, []int64) error { return nil }

func (client *scriptedGroupClient) ResolveEntity(context.Context, string) (directory.EntityRef, error) {
	client.mutex.Lock()
	client.resolveCalls++
	client.mutex.Unlock()
	if client.resolveError != nil {
		return directory.EntityRef{}, client.resolveError
	}
	return client.group, nil
}

func (client *scriptedGroupClient) InviteToGroup(_ context.Context, _ directory.EntityRef, identityID int64) error {
	client.mutex.Lock()
	client.invitedIdentityIDs = append(client.invitedIdentityIDs, identityID)
	client.mutex.Unlock()
	return client.inviteErrorsByID[identityID]
}

func (client *scriptedGroupClient) DownloadProfilePhoto(context.Context, int64) ([]byte, error) {
	return nil, nil
}

func (client *scriptedGroupClient) invited() []int64 {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	copied := make([]int64, len(client.invitedIdentityIDs))
	copy(copied, client.invitedIdentityIDs)
	return copied
}

type stubCredentialsReader struct {
	readError error
}

func (stub stubCredentialsReader) Credentials(string) (directory.Credentials, error) {
	if stub.readError != nil {
		return directory.Credentials{}, stub.readError
	}
	return directory.Credentials{StringSession: "session", APIID: 1, APIHash: "hash"}, nil
}

type stubBlockListReader struct {
	blocked   map[int64]struct{}
	readError error
}

func (stub stubBlockListReader) BlockedIdentities(string) (map[int64]struct{}, error) {
	if stub.readError != nil {
		return nil, stub.readError
	}
	if stub.blocked == nil {
		return map[int64]struct{}{}, nil
	}
	return stub.blocked, nil
}

func newTestReconciler(t *testing.T, client directory.Client, blocked stubBlockListReader, progress membership.ProgressFunc) *membership.Service {
	t.Helper()

	service, err := membership.NewService(membership.Config{
		Credentials: stubCredentialsReader{},
		Clients: func(directory.Credentials) (directory.Client, error) {
			return client, nil
		},
		Blocked:  blocked,
		Pacing:   batch.PacingConfig{BaseDelay: time.Millisecond},
		Progress: progress,
	})
	if err != nil {
		t.Fatalf("construct reconciler: %v", err)
	}
	return service
}

func resolvedResults(outcomes map[string]resolver.Outcome, order []string) *batch.ResultsMap {
	results := batch.NewResultsMap()
	for _, phoneNumber := range order {
		results.Set(phoneNumber, outcomes[phoneNumber])
	}
	return results
}

func TestAddResolvedToGroupClassifiesEveryAttempt(t *testing.T) {
	t.Parallel()

	client := &scriptedGroupClient{
		group: directory.EntityRef{ID: 555, Handle: "@group", Title: "Group"},
		inviteErrorsByID: map[int64]error{
			2002: fmt.Errorf("%w: USER_ALREADY_PARTICIPANT", directory.ErrAlreadyParticipant),
			3003: fmt.Errorf("%w: USER_PRIVACY_RESTRICTED", directory.ErrPrivacyRestricted),
			4004: errors.New("flood wait"),
		},
	}
	blocked := stubBlockListReader{blocked: map[int64]struct{}{42: {}}}
	service := newTestReconciler(t, client, blocked, nil)

	results := resolvedResults(map[string]resolver.Outcome{
		"+15550001111": {ID: 1001, Username: "first_user"},
		"+15550002222": {ErrorKind: resolver.ErrorKindNotFound, Error: "no match"},
		"+15550003333": {ID: 42, Username: "blocked_user"},
		"+15550004444": {ID: 2002},
		"+15550005555": {ID: 3003},
		"+15550006666": {ID: 4004},
	}, []string{"+15550001111", "+15550002222", "+15550003333", "+15550004444", "+15550005555", "+15550006666"})

	summary, err := service.AddResolvedToGroup(context.Background(), "operator-a", "@group", results)
	if err != nil {
		t.Fatalf("unexpected reconciliation error: %v", err)
	}

	if summary.Group.ID != 555 {
		t.Fatalf("unexpected resolved group: %+v", summary.Group)
	}
	if summary.Added != 1 || summary.AlreadyMember != 1 || summary.Blocked != 1 || summary.PrivacyRestricted != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary counts: %+v", summary)
	}
	if len(summary.Attempts) != 5 {
		t.Fatalf("expected five attempts, received %d", len(summary.Attempts))
	}
	if len(summary.Succeeded) != 1 || summary.Succeeded[0] != "first_user" {
		t.Fatalf("unexpected succeeded list: %v", summary.Succeeded)
	}
	if len(summary.FailedIdentifiers) != 2 {
		t.Fatalf("expected two failed identifiers, received %v", summary.FailedIdentifiers)
	}

	invited := client.invited()
	for _, identityID := range invited {
		if identityID == 42 {
			t.Fatal("blocked identities must never be invited")
		}
	}
	if len(invited) != 4 {
		t.Fatalf("expected four invitations, observed %v", invited)
	}
	if client.resolveCalls != 1 {
		t.Fatalf("expected a single group resolution, observed %d", client.resolveCalls)
	}
}

func TestAddResolvedToGroupAbortsWhenGroupResolutionFails(t *testing.T) {
	t.Parallel()

	client := &scriptedGroupClient{
		resolveError: fmt.Errorf("%w: USERNAME_NOT_OCCUPIED", directory.ErrEntityNotFound),
	}
	service := newTestReconciler(t, client, stubBlockListReader{}, nil)

	results := resolvedResults(map[string]resolver.Outcome{
		"+15550001111": {ID: 1001},
	}, []string{"+15550001111"})

	_, err := service.AddResolvedToGroup(context.Background(), "operator-a", "@missing", results)
	if !errors.Is(err, directory.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, received %v", err)
	}
	if len(client.invited()) != 0 {
		t.Fatalf("no invitations expected after a setup failure, observed %v", client.invited())
	}
}

func TestAddResolvedToGroupAbortsWhenBlockListUnavailable(t *testing.T) {
	t.Parallel()

	client := &scriptedGroupClient{group: directory.EntityRef{ID: 555}}
	service := newTestReconciler(t, client, stubBlockListReader{readError: errors.New("store unavailable")}, nil)

	results := resolvedResults(map[string]resolver.Outcome{
		"+15550001111": {ID: 1001},
	}, []string{"+15550001111"})

	if _, err := service.AddResolvedToGroup(context.Background(), "operator-a", "@group", results); err == nil {
		t.Fatal("expected a setup error when the block list cannot be loaded")
	}
	if len(client.invited()) != 0 {
		t.Fatalf("no invitations expected after a setup failure, observed %v", client.invited())
	}
}

func TestAddResolvedToGroupKeepsEarlierAdditionsOnLateFailure(t *testing.T) {
	t.Parallel()

	client := &scriptedGroupClient{
		group: directory.EntityRef{ID: 555},
		inviteErrorsByID: map[int64]error{
			3003: errors.New("flood wait"),
		},
	}
	service := newTestReconciler(t, client, stubBlockListReader{}, nil)

	results := resolvedResults(map[string]resolver.Outcome{
		"+15550001111": {ID: 1001},
		"+15550002222": {ID: 2002},
		"+15550003333": {ID: 3003},
	}, []string{"+15550001111", "+15550002222", "+15550003333"})

	summary, err := service.AddResolvedToGroup(context.Background(), "operator-a", "@group", results)
	if err != nil {
		t.Fatalf("per-identity failures must not abort the run, received %v", err)
	}
	if summary.Added != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary counts: %+v", summary)
	}
}

func TestAddResolvedToGroupReportsProgress(t *testing.T) {
	t.Parallel()

	client := &scriptedGroupClient{group: directory.EntityRef{ID: 555}}
	var snapshots []membership.ProgressSnapshot
	service := newTestReconciler(t, client, stubBlockListReader{}, func(snapshot membership.ProgressSnapshot) {
		snapshots = append(snapshots, snapshot)
	})

	outcomes := make(map[string]resolver.Outcome)
	var order []string
	for index := 1; index <= 6; index++ {
		phoneNumber := fmt.Sprintf("+1555000%04d", index)
		outcomes[phoneNumber] = resolver.Outcome{ID: int64(1000 + index)}
		order = append(order, phoneNumber)
	}
	results := resolvedResults(outcomes, order)

	summary, err := service.AddResolvedToGroup(context.Background(), "operator-a", "@group", results)
	if err != nil {
		t.Fatalf("unexpected reconciliation error: %v", err)
	}
	if summary.Added != 6 {
		t.Fatalf("expected six additions, received %d", summary.Added)
	}

	if len(snapshots) < 2 {
		t.Fatalf("expected a snapshot at the fifth addition and a final one, received %v", snapshots)
	}
	if snapshots[0].Current != 5 || snapshots[0].Total != 6 {
		t.Fatalf("unexpected interval snapshot: %+v", snapshots[0])
	}
	final := snapshots[len(snapshots)-1]
	if final.Current != 6 || final.Total != 6 {
		t.Fatalf("unexpected final snapshot: %+v", final)
	}
}

func TestAddResolvedToGroupStopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedGroupClient{group: directory.EntityRef{ID: 555}}

	service, err := membership.NewService(membership.Config{
		Credentials: stubCredentialsReader{},
		Clients: func(directory.Credentials) (directory.Client, error) {
			cancel()
			return client, nil
		},
		Blocked: stubBlockListReader{},
		Pacing:  batch.PacingConfig{BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("construct reconciler: %v", err)
	}

	results := resolvedResults(map[string]resolver.Outcome{
		"+15550001111": {ID: 1001},
	}, []string{"+15550001111"})

	if _, runErr := service.AddResolvedToGroup(ctx, "operator-a", "@group", results); !errors.Is(runErr, context.Canceled) {
		t.Fatalf("expected context.Canceled, received %v", runErr)
	}
	if len(client.invited()) != 0 {
		t.Fatalf("no invitations expected after cancellation, observed %v", client.invited())
	}
}
