package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/t-sync/tsync/internal/directory"
)

const (
	errMessageNoMatches       = "phone number is not registered or contact imports are restricted"
	errMessageAmbiguousMatch  = "phone number matched multiple accounts, which is unexpected"
	errMessageUnexpectedError = "unexpected resolution error"

	photoFileNameFormat = "%d_%s_photo.jpeg"
	photoDirectoryMode  = 0o755
	photoFileMode       = 0o644

	logMessageAmbiguousMatch  = "phone number matched multiple accounts"
	logMessageCleanupFailure  = "transient contact cleanup failed"
	logMessagePhotoFailure    = "profile photo download failed"
	logFieldPhone             = "phone"
	logFieldIdentityID        = "identity_id"
	logFieldMatchCount        = "match_count"
)

// Config configures a Service instance.
type Config struct {
	PhotoDirectory string
	DownloadPhotos bool
	Logger         *zap.Logger
}

// Service resolves individual phone numbers into identity snapshots using an
// operator-scoped directory client.
type Service struct {
	photoDirectory string
	downloadPhotos bool
	logger         *zap.Logger
}

// NewService constructs a Service from configuration values.
func NewService(configuration Config) *Service {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		photoDirectory: configuration.PhotoDirectory,
		downloadPhotos: configuration.DownloadPhotos,
		logger:         logger,
	}
}

// Resolve submits the phone number as a transient contact import, inspects
// the match count, and cleans up the imported contact regardless of the
// outcome. Transport and protocol failures are captured in the outcome and
// never propagate.
func (service *Service) Resolve(ctx context.Context, client directory.Client, phoneNumber string) Outcome {
	identities, importErr := client.ImportContact(ctx, phoneNumber)
	if importErr != nil {
		return Outcome{
			ErrorKind: ErrorKindUnexpected,
			Error:     fmt.Sprintf("%s: %v", errMessageUnexpectedError, importErr),
		}
	}

	service.cleanupContacts(ctx, client, phoneNumber, identities)

	switch len(identities) {
	case 0:
		return Outcome{ErrorKind: ErrorKindNotFound, Error: errMessageNoMatches}
	case 1:
		outcome := snapshotOutcome(identities[0])
		if service.downloadPhotos && identities[0].HasPhoto {
			service.fetchProfilePhoto(ctx, client, phoneNumber, identities[0], &outcome)
		}
		return outcome
	default:
		service.logger.Warn(logMessageAmbiguousMatch,
			zap.String(logFieldPhone, phoneNumber),
			zap.Int(logFieldMatchCount, len(identities)),
		)
		return Outcome{ErrorKind: ErrorKindAmbiguousMatch, Error: errMessageAmbiguousMatch}
	}
}

func (service *Service) cleanupContacts(ctx context.Context, client directory.Client, phoneNumber string, identities []directory.Identity) {
	if len(identities) == 0 {
		return
	}
	identityIDs := make([]int64, 0, len(identities))
	for _, identity := range identities {
		identityIDs = append(identityIDs, identity.ID)
	}
	if cleanupErr := client.DeleteContacts(ctx, identityIDs); cleanupErr != nil {
		service.logger.Warn(logMessageCleanupFailure,
			zap.String(logFieldPhone, phoneNumber),
			zap.Error(cleanupErr),
		)
	}
}

func (service *Service) fetchProfilePhoto(ctx context.Context, client directory.Client, phoneNumber string, identity directory.Identity, outcome *Outcome) {
	photoBytes, downloadErr := client.DownloadProfilePhoto(ctx, identity.ID)
	if downloadErr != nil {
		service.logger.Warn(logMessagePhotoFailure,
			zap.String(logFieldPhone, phoneNumber),
			zap.Int64(logFieldIdentityID, identity.ID),
			zap.Error(downloadErr),
		)
		return
	}
	if len(photoBytes) == 0 {
		return
	}

	photoPath := filepath.Join(service.photoDirectory, fmt.Sprintf(photoFileNameFormat, identity.ID, phoneNumber))
	if writeErr := writePhotoFile(photoPath, photoBytes); writeErr != nil {
		service.logger.Warn(logMessagePhotoFailure,
			zap.String(logFieldPhone, phoneNumber),
			zap.Int64(logFieldIdentityID, identity.ID),
			zap.Error(writeErr),
		)
		return
	}
	outcome.PhotoPath = photoPath
}

func writePhotoFile(photoPath string, photoBytes []byte) error {
	if err := os.MkdirAll(filepath.Dir(photoPath), photoDirectoryMode); err != nil {
		return err
	}
	return os.WriteFile(photoPath, photoBytes, photoFileMode)
}

func snapshotOutcome(identity directory.Identity) Outcome {
	return Outcome{
		ID:                identity.ID,
		Username:          identity.Username,
		FirstName:         identity.FirstName,
		LastName:          identity.LastName,
		Fake:              identity.Fake,
		Verified:          identity.Verified,
		Premium:           identity.Premium,
		MutualContact:     identity.MutualContact,
		Bot:               identity.Bot,
		BotChatHistory:    identity.BotChatHistory,
		Restricted:        identity.Restricted,
		RestrictionReason: identity.RestrictionReason,
		LastSeen:          directory.PresenceLabel(identity.Status),
		Phone:             identity.Phone,
	}
}
