package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	contactImportPath = "/contacts/import"
	contactDeletePath = "/contacts/delete"
	entityResolvePath = "/entities/resolve"
	groupInvitePath   = "/groups/invite"
	profilePhotoPath  = "/users/%d/photo"

	sessionTokenHeaderName = "X-Session-Token"
	apiIDHeaderName        = "X-Api-Id"
	apiHashHeaderName      = "X-Api-Hash"
	contentTypeHeaderName  = "Content-Type"
	jsonContentType        = "application/json"

	apiErrorCodePhoneNotOccupied    = "PHONE_NOT_OCCUPIED"
	apiErrorCodeUsernameNotOccupied = "USERNAME_NOT_OCCUPIED"
	apiErrorCodePrivacyRestricted   = "USER_PRIVACY_RESTRICTED"
	apiErrorCodeAlreadyParticipant  = "USER_ALREADY_PARTICIPANT"
	apiErrorCodeSessionRevoked      = "SESSION_REVOKED"
	apiErrorCodeAuthKeyUnregistered = "AUTH_KEY_UNREGISTERED"

	errMessageMissingBaseURL      = "gateway base url cannot be empty"
	errMessageEmptyPhoneNumber    = "phone number cannot be empty"
	errMessageEmptyEntityHandle   = "entity handle cannot be empty"
	errMessageEntityNotFound      = "entity handle is not registered"
	errMessagePrivacyRestricted   = "identity privacy settings forbid the invitation"
	errMessageAlreadyParticipant  = "identity is already a group member"
	errMessageUnauthorized        = "session credentials were rejected"
	errMessageUnexpectedStatus    = "gateway request returned unexpected status code"
	errMessageDecodeResponse      = "decode gateway response"
	maxErrorResponseBytes         = 64 * 1024
	maxPhotoResponseBytes         = 8 * 1024 * 1024
	defaultDialTimeout            = 5 * time.Second
	defaultTLSHandshakeTimeout    = 5 * time.Second
	defaultResponseHeaderTimeout  = 10 * time.Second
	defaultHTTPTimeout            = 30 * time.Second
)

var (
	// ErrEntityNotFound reports that a handle does not resolve to any entity.
	ErrEntityNotFound = errors.New(errMessageEntityNotFound)
	// ErrPrivacyRestricted reports that an identity refuses group invitations.
	ErrPrivacyRestricted = errors.New(errMessagePrivacyRestricted)
	// ErrAlreadyParticipant reports that an identity is already a member of the group.
	ErrAlreadyParticipant = errors.New(errMessageAlreadyParticipant)
	// ErrUnauthorized reports that the supplied credential bundle was rejected.
	ErrUnauthorized = errors.New(errMessageUnauthorized)

	errEmptyPhoneNumber  = errors.New(errMessageEmptyPhoneNumber)
	errEmptyEntityHandle = errors.New(errMessageEmptyEntityHandle)
)

// GatewayConfig customizes a GatewayClient instance.
type GatewayConfig struct {
	BaseURL     string
	Client      *http.Client
	Credentials Credentials
}

// GatewayClient implements Client against the identity gateway's JSON API.
type GatewayClient struct {
	httpClient  *http.Client
	baseURL     *url.URL
	credentials Credentials

	entityCache map[string]EntityRef
	cacheMutex  sync.RWMutex
	flightGroup singleflight.Group
}

var _ Client = (*GatewayClient)(nil)

// NewGatewayClient constructs a GatewayClient with tuned transport timeouts.
func NewGatewayClient(configuration GatewayConfig) (*GatewayClient, error) {
	baseURLString := strings.TrimSpace(configuration.BaseURL)
	if baseURLString == "" {
		return nil, errors.New(errMessageMissingBaseURL)
	}
	parsedBaseURL, err := url.Parse(baseURLString)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpClient := configuration.Client
	if httpClient == nil {
		httpClient = newHTTPClient()
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = defaultHTTPTimeout
	}

	client := &GatewayClient{
		httpClient:  httpClient,
		baseURL:     parsedBaseURL,
		credentials: configuration.Credentials,
		entityCache: make(map[string]EntityRef),
	}
	return client, nil
}

// NewGatewayFactory returns a ClientFactory that binds per-operator
// credentials to clients sharing the supplied configuration.
func NewGatewayFactory(configuration GatewayConfig) ClientFactory {
	return func(credentials Credentials) (Client, error) {
		boundConfiguration := configuration
		boundConfiguration.Credentials = credentials
		return NewGatewayClient(boundConfiguration)
	}
}

type importContactRequest struct {
	Phone string `json:"phone"`
}

type importContactResponse struct {
	Users []Identity `json:"users"`
}

type deleteContactsRequest struct {
	IDs []int64 `json:"ids"`
}

type resolveEntityRequest struct {
	Handle string `json:"handle"`
}

type inviteRequest struct {
	GroupID    int64 `json:"group_id"`
	IdentityID int64 `json:"user_id"`
}

type apiErrorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ImportContact submits a transient contact-import request and returns the
// matched identities. Zero matches is not an error at this layer.
func (client *GatewayClient) ImportContact(ctx context.Context, phoneNumber string) ([]Identity, error) {
	if strings.TrimSpace(phoneNumber) == "" {
		return nil, errEmptyPhoneNumber
	}

	var response importContactResponse
	err := client.postJSON(ctx, contactImportPath, importContactRequest{Phone: phoneNumber}, &response)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return response.Users, nil
}

// DeleteContacts removes transient contact artifacts created by a prior import.
func (client *GatewayClient) DeleteContacts(ctx context.Context, identityIDs []int64) error {
	if len(identityIDs) == 0 {
		return nil
	}
	return client.postJSON(ctx, contactDeletePath, deleteContactsRequest{IDs: identityIDs}, nil)
}

// ResolveEntity resolves a public handle to a concrete entity reference.
// Concurrent lookups for the same handle are collapsed and cached.
func (client *GatewayClient) ResolveEntity(ctx context.Context, handle string) (EntityRef, error) {
	trimmedHandle := strings.TrimSpace(handle)
	if trimmedHandle == "" {
		return EntityRef{}, errEmptyEntityHandle
	}

	client.cacheMutex.RLock()
	if entity, exists := client.entityCache[trimmedHandle]; exists {
		client.cacheMutex.RUnlock()
		return entity, nil
	}
	client.cacheMutex.RUnlock()

	resultChannel := client.flightGroup.DoChan(trimmedHandle, func() (interface{}, error) {
		var entity EntityRef
		resolveErr := client.postJSON(ctx, entityResolvePath, resolveEntityRequest{Handle: trimmedHandle}, &entity)
		if resolveErr != nil {
			return EntityRef{}, resolveErr
		}
		client.cacheMutex.Lock()
		client.entityCache[trimmedHandle] = entity
		client.cacheMutex.Unlock()
		return entity, nil
	})

	select {
	case <-ctx.Done():
		return EntityRef{}, ctx.Err()
	case result := <-resultChannel:
		if result.Err != nil {
			return EntityRef{}, result.Err
		}
		entity, _ := result.Val.(EntityRef)
		return entity, nil
	}
}

// InviteToGroup attempts to add one identity to the referenced group.
func (client *GatewayClient) InviteToGroup(ctx context.Context, group EntityRef, identityID int64) error {
	return client.postJSON(ctx, groupInvitePath, inviteRequest{GroupID: group.ID, IdentityID: identityID}, nil)
}

// DownloadProfilePhoto fetches the identity's profile photo. A missing photo
// returns nil bytes and no error.
func (client *GatewayClient) DownloadProfilePhoto(ctx context.Context, identityID int64) ([]byte, error) {
	requestURL := client.baseURL.ResolveReference(&url.URL{Path: fmt.Sprintf(profilePhotoPath, identityID)}).String()
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	client.applyCredentialHeaders(httpRequest)

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(httpResponse.Body)

	if httpResponse.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return nil, client.classifyErrorResponse(httpResponse)
	}
	return io.ReadAll(io.LimitReader(httpResponse.Body, maxPhotoResponseBytes))
}

func (client *GatewayClient) postJSON(ctx context.Context, path string, payload any, destination any) error {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	requestURL := client.baseURL.ResolveReference(&url.URL{Path: path}).String()
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(requestBody))
	if err != nil {
		return err
	}
	httpRequest.Header.Set(contentTypeHeaderName, jsonContentType)
	client.applyCredentialHeaders(httpRequest)

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return err
	}
	defer drainAndClose(httpResponse.Body)

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return client.classifyErrorResponse(httpResponse)
	}
	if destination == nil {
		return nil
	}
	if decodeErr := json.NewDecoder(httpResponse.Body).Decode(destination); decodeErr != nil {
		return fmt.Errorf("%s: %w", errMessageDecodeResponse, decodeErr)
	}
	return nil
}

func (client *GatewayClient) applyCredentialHeaders(httpRequest *http.Request) {
	httpRequest.Header.Set(sessionTokenHeaderName, client.credentials.StringSession)
	httpRequest.Header.Set(apiIDHeaderName, fmt.Sprintf("%d", client.credentials.APIID))
	httpRequest.Header.Set(apiHashHeaderName, client.credentials.APIHash)
}

func (client *GatewayClient) classifyErrorResponse(httpResponse *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(httpResponse.Body, maxErrorResponseBytes))
	if readErr != nil {
		return fmt.Errorf("%s: %d", errMessageUnexpectedStatus, httpResponse.StatusCode)
	}

	var envelope apiErrorEnvelope
	if unmarshalErr := json.Unmarshal(body, &envelope); unmarshalErr != nil || envelope.Error.Code == "" {
		return fmt.Errorf("%s: %d", errMessageUnexpectedStatus, httpResponse.StatusCode)
	}
	return classifyAPIError(envelope.Error)
}

func classifyAPIError(apiError apiErrorBody) error {
	switch apiError.Code {
	case apiErrorCodePhoneNotOccupied, apiErrorCodeUsernameNotOccupied:
		return fmt.Errorf("%w: %s", ErrEntityNotFound, apiError.Code)
	case apiErrorCodePrivacyRestricted:
		return fmt.Errorf("%w: %s", ErrPrivacyRestricted, apiError.Code)
	case apiErrorCodeAlreadyParticipant:
		return fmt.Errorf("%w: %s", ErrAlreadyParticipant, apiError.Code)
	case apiErrorCodeSessionRevoked, apiErrorCodeAuthKeyUnregistered:
		return fmt.Errorf("%w: %s", ErrUnauthorized, apiError.Code)
	default:
		if apiError.Message != "" {
			return fmt.Errorf("%s: %s", apiError.Code, apiError.Message)
		}
		return errors.New(apiError.Code)
	}
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 1024))
	body.Close()
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultHTTPTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxConnsPerHost:       100,
			ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		},
	}
}
