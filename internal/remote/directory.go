package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/crmcache/internal/crm"
)

var (
	// ErrFetchFailed indicates the CRM data service could not serve a
	// request. Callers fall back to cached data where they have any.
	ErrFetchFailed = errors.New("remote: fetch failed")

	errMissingBaseURL = errors.New("base url is required")
	errMissingUserID  = errors.New("user identifier is required")
)

const defaultRequestTimeout = 10 * time.Second

const (
	opFetchContacts   = "remote.fetch_contacts"
	opFetchTemplates  = "remote.fetch_templates"
	opFetchActivities = "remote.fetch_activities"
	opCreateActivity  = "remote.create_activity"
)

// FetchError carries the upstream detail of a failed data-service call.
// StatusCode is zero when the request never reached the service.
type FetchError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports true for ErrFetchFailed so callers can branch without
// unpacking the concrete type.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

func newFetchError(operation string, statusCode int, cause error) error {
	return &FetchError{Operation: operation, StatusCode: statusCode, Err: cause}
}

// DirectoryConfig carries the data-service connection settings.
type DirectoryConfig struct {
	BaseURL      string
	ServiceToken string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Directory is the HTTP client for the CRM data service: record
// collections for the caches, durable activity writes for the mutation
// queue.
type Directory struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewDirectory validates the config and returns a ready client.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		baseURL:      baseURL,
		serviceToken: cfg.ServiceToken,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

type contactsDocument struct {
	Contacts []crm.Contact `json:"contacts"`
}

type templatesQuery struct {
	Labels []string `json:"labels"`
}

type templatesDocument struct {
	Templates []crm.Template `json:"templates"`
	Labels    []crm.Label    `json:"labels"`
}

type activitiesDocument struct {
	Activities []crm.Activity `json:"activities"`
}

// FetchContacts loads the full contact collection for one user.
func (d *Directory) FetchContacts(ctx context.Context, userID string) ([]crm.Contact, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errMissingUserID
	}
	endpoint := fmt.Sprintf("%s/users/%s/contacts", d.baseURL, url.PathEscape(userID))

	var document contactsDocument
	if err := d.getJSON(ctx, opFetchContacts, endpoint, &document); err != nil {
		return nil, err
	}
	return document.Contacts, nil
}

// FetchTemplatesByLabels loads the templates bound to any of the given
// label names, together with the label definitions involved.
func (d *Directory) FetchTemplatesByLabels(ctx context.Context, userID string, labelNames []string) ([]crm.Template, []crm.Label, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil, errMissingUserID
	}
	endpoint := fmt.Sprintf("%s/users/%s/templates/search", d.baseURL, url.PathEscape(userID))

	var document templatesDocument
	if err := d.postJSON(ctx, opFetchTemplates, endpoint, templatesQuery{Labels: labelNames}, &document); err != nil {
		return nil, nil, err
	}
	return document.Templates, document.Labels, nil
}

// FetchActivities loads the durable touchpoint records for one user,
// newest first as the data service orders them.
func (d *Directory) FetchActivities(ctx context.Context, userID string) ([]crm.Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errMissingUserID
	}
	endpoint := fmt.Sprintf("%s/users/%s/activities", d.baseURL, url.PathEscape(userID))

	var document activitiesDocument
	if err := d.getJSON(ctx, opFetchActivities, endpoint, &document); err != nil {
		return nil, err
	}
	return document.Activities, nil
}

// CreateActivity writes one durable touchpoint record and returns it as the
// data service stored it, including the server-assigned identifier.
func (d *Directory) CreateActivity(ctx context.Context, userID string, activity crm.Activity) (crm.Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return crm.Activity{}, errMissingUserID
	}
	endpoint := fmt.Sprintf("%s/users/%s/activities", d.baseURL, url.PathEscape(userID))

	var created crm.Activity
	if err := d.postJSON(ctx, opCreateActivity, endpoint, activity, &created); err != nil {
		return crm.Activity{}, err
	}
	return created, nil
}

func (d *Directory) getJSON(ctx context.Context, operation, endpoint string, out interface{}) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newFetchError(operation, 0, err)
	}
	return d.send(operation, request, out)
}

func (d *Directory) postJSON(ctx context.Context, operation, endpoint string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return newFetchError(operation, 0, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return newFetchError(operation, 0, err)
	}
	request.Header.Set("Content-Type", "application/json")
	return d.send(operation, request, out)
}

func (d *Directory) send(operation string, request *http.Request, out interface{}) error {
	if d.serviceToken != "" {
		request.Header.Set("Authorization", "Bearer "+d.serviceToken)
	}
	response, err := d.httpClient.Do(request)
	if err != nil {
		d.logger.Warn("data service request failed",
			zap.String("operation", operation), zap.Error(err))
		return newFetchError(operation, 0, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		d.logger.Warn("data service rejected request",
			zap.String("operation", operation), zap.Int("status", response.StatusCode))
		return newFetchError(operation, response.StatusCode, fmt.Errorf("unexpected status %d", response.StatusCode))
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return newFetchError(operation, 0, err)
	}
	return nil
}
