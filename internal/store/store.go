package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/t-sync/tsync/internal/directory"
)

const (
	errMessageEmptyPath       = "store path cannot be empty"
	errMessageEmptyOperatorID = "operator id cannot be empty"
	errMessageSessionMissing  = "no credential bundle stored for operator"
	errMessageResultsMissing  = "no results stored for operator"
	errMessageOpenDatabase    = "open store database"

	databaseFileMode    = 0o600
	databaseOpenTimeout = 1 * time.Second
)

var (
	sessionsBucketName = []byte("sessions")
	resultsBucketName  = []byte("results")

	// ErrSessionMissing reports that an operator has no stored credential bundle.
	ErrSessionMissing = errors.New(errMessageSessionMissing)
	// ErrResultsMissing reports that an operator has no persisted batch results.
	ErrResultsMissing = errors.New(errMessageResultsMissing)

	errEmptyOperatorID = errors.New(errMessageEmptyOperatorID)
)

// sessionDocument is the per-operator JSON document holding the credential
// bundle alongside the operator's block list.
type sessionDocument struct {
	directory.Credentials
	BlockedUsers []int64 `json:"blocked_users"`
}

// Store persists per-operator session documents and batch results in a
// single embedded database. Every value is a whole JSON document; bbolt's
// serialized update transactions make block-list read-modify-write atomic
// per operator.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the store database at the supplied path.
func Open(path string) (*Store, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, errors.New(errMessageEmptyPath)
	}
	if err := os.MkdirAll(filepath.Dir(trimmedPath), 0o755); err != nil {
		return nil, err
	}

	database, err := bolt.Open(trimmedPath, databaseFileMode, &bolt.Options{Timeout: databaseOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageOpenDatabase, err)
	}

	err = database.Update(func(tx *bolt.Tx) error {
		for _, bucketName := range [][]byte{sessionsBucketName, resultsBucketName} {
			if _, bucketErr := tx.CreateBucketIfNotExists(bucketName); bucketErr != nil {
				return bucketErr
			}
		}
		return nil
	})
	if err != nil {
		database.Close()
		return nil, err
	}
	return &Store{db: database}, nil
}

// Close releases the underlying database.
func (store *Store) Close() error {
	return store.db.Close()
}

// SaveCredentials creates or replaces the operator's credential bundle while
// preserving the operator's block list.
func (store *Store) SaveCredentials(operatorID string, credentials directory.Credentials) error {
	if strings.TrimSpace(operatorID) == "" {
		return errEmptyOperatorID
	}
	return store.updateSessionDocument(operatorID, func(document *sessionDocument) {
		document.Credentials = credentials
	})
}

// Credentials returns the operator's credential bundle.
func (store *Store) Credentials(operatorID string) (directory.Credentials, error) {
	if strings.TrimSpace(operatorID) == "" {
		return directory.Credentials{}, errEmptyOperatorID
	}

	var credentials directory.Credentials
	err := store.db.View(func(tx *bolt.Tx) error {
		document, exists, readErr := readSessionDocument(tx, operatorID)
		if readErr != nil {
			return readErr
		}
		if !exists || document.StringSession == "" {
			return fmt.Errorf("%w: %s", ErrSessionMissing, operatorID)
		}
		credentials = document.Credentials
		return nil
	})
	return credentials, err
}

// DeleteCredentials invalidates the operator's credential bundle. The block
// list survives logout.
func (store *Store) DeleteCredentials(operatorID string) error {
	if strings.TrimSpace(operatorID) == "" {
		return errEmptyOperatorID
	}
	return store.updateSessionDocument(operatorID, func(document *sessionDocument) {
		document.Credentials = directory.Credentials{}
	})
}

// BlockIdentity adds an identity ID to the operator's block list.
func (store *Store) BlockIdentity(operatorID string, identityID int64) error {
	if strings.TrimSpace(operatorID) == "" {
		return errEmptyOperatorID
	}
	return store.updateSessionDocument(operatorID, func(document *sessionDocument) {
		for _, blockedID := range document.BlockedUsers {
			if blockedID == identityID {
				return
			}
		}
		document.BlockedUsers = append(document.BlockedUsers, identityID)
	})
}

// UnblockIdentity removes an identity ID from the operator's block list.
func (store *Store) UnblockIdentity(operatorID string, identityID int64) error {
	if strings.TrimSpace(operatorID) == "" {
		return errEmptyOperatorID
	}
	return store.updateSessionDocument(operatorID, func(document *sessionDocument) {
		filtered := document.BlockedUsers[:0]
		for _, blockedID := range document.BlockedUsers {
			if blockedID != identityID {
				filtered = append(filtered, blockedID)
			}
		}
		document.BlockedUsers = filtered
	})
}

// BlockedIdentities returns a snapshot of the operator's block list. An
// operator without a session document has an empty block list.
func (store *Store) BlockedIdentities(operatorID string) (map[int64]struct{}, error) {
	if strings.TrimSpace(operatorID) == "" {
		return nil, errEmptyOperatorID
	}

	blocked := make(map[int64]struct{})
	err := store.db.View(func(tx *bolt.Tx) error {
		document, exists, readErr := readSessionDocument(tx, operatorID)
		if readErr != nil {
			return readErr
		}
		if !exists {
			return nil
		}
		for _, blockedID := range document.BlockedUsers {
			blocked[blockedID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocked, nil
}

// SaveResults replaces the operator's latest results document wholesale.
func (store *Store) SaveResults(operatorID string, resultsDocument []byte) error {
	if strings.TrimSpace(operatorID) == "" {
		return errEmptyOperatorID
	}
	return store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucketName).Put([]byte(operatorID), resultsDocument)
	})
}

// Results returns the operator's latest results document.
func (store *Store) Results(operatorID string) ([]byte, error) {
	if strings.TrimSpace(operatorID) == "" {
		return nil, errEmptyOperatorID
	}

	var resultsDocument []byte
	err := store.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(resultsBucketName).Get([]byte(operatorID))
		if stored == nil {
			return fmt.Errorf("%w: %s", ErrResultsMissing, operatorID)
		}
		resultsDocument = make([]byte, len(stored))
		copy(resultsDocument, stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resultsDocument, nil
}

func (store *Store) updateSessionDocument(operatorID string, mutate func(document *sessionDocument)) error {
	return store.db.Update(func(tx *bolt.Tx) error {
		document, _, readErr := readSessionDocument(tx, operatorID)
		if readErr != nil {
			return readErr
		}
		mutate(&document)
		encoded, marshalErr := json.Marshal(document)
		if marshalErr != nil {
			return marshalErr
		}
		return tx.Bucket(sessionsBucketName).Put([]byte(operatorID), encoded)
	})
}

func readSessionDocument(tx *bolt.Tx, operatorID string) (sessionDocument, bool, error) {
	var document sessionDocument
	stored := tx.Bucket(sessionsBucketName).Get([]byte(operatorID))
	if stored == nil {
		return document, false, nil
	}
	if err := json.Unmarshal(stored, &document); err != nil {
		return document, false, err
	}
	return document, true, nil
}
