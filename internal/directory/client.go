package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"pulsecrypt/internal/domain"
)

// HTTP is a DirectoryService backed by a remote directory server.
type HTTP struct {
	client *resty.Client
}

var _ domain.DirectoryService = (*HTTP)(nil)

// NewHTTP returns a client for the directory at base.
func NewHTTP(base string, timeout time.Duration) *HTTP {
	cl := resty.New().SetHostURL(base).SetTimeout(timeout)
	cl.SetHeader("Content-Type", "application/json")
	cl.SetHeader("Accept", "application/json")
	cl.SetHeader("User-Agent", "pulsecrypt/1")
	return &HTTP{client: cl}
}

// GetClient exposes the underlying resty client.
func (c *HTTP) GetClient() *resty.Client { return c.client }

func (c *HTTP) GetPublicKey(ctx context.Context, user domain.UserID) (domain.PublishedKey, error) {
	var out domain.PublishedKey
	err := c.get(ctx, "/api/v1/keys/"+url.PathEscape(string(user)), &out)
	return out, err
}

func (c *HTTP) PublishPublicKey(ctx context.Context, key domain.PublishedKey) error {
	return c.send(ctx, http.MethodPost, "/api/v1/keys", key, nil)
}

func (c *HTTP) DeactivatePublicKeys(ctx context.Context, user domain.UserID, keep domain.KeyID) error {
	return c.send(ctx, http.MethodPost, "/api/v1/keys/"+url.PathEscape(string(user))+"/deactivate",
		deactivateInput{Keep: string(keep)}, nil)
}

func (c *HTTP) RecordKeyExchangeMetadata(ctx context.Context, rec domain.KeyExchangeRecord) error {
	return c.send(ctx, http.MethodPost, "/api/v1/key-exchanges", rec, nil)
}

func (c *HTTP) SetKeyExchangeStatus(ctx context.Context, st domain.KeyExchangeStatus) error {
	return c.send(ctx, http.MethodPut, "/api/v1/key-exchange-status", st, nil)
}

func (c *HTTP) GetKeyExchangeStatus(ctx context.Context, a, b domain.UserID) (domain.KeyExchangeStatus, bool, error) {
	var out domain.KeyExchangeStatus
	err := c.get(ctx, "/api/v1/key-exchange-status/"+url.PathEscape(string(a))+"/"+url.PathEscape(string(b)), &out)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.KeyExchangeStatus{}, false, nil
	}
	if err != nil {
		return domain.KeyExchangeStatus{}, false, err
	}
	return out, true, nil
}

func (c *HTTP) GetMigrationStatus(ctx context.Context, name string) (domain.MigrationStatus, error) {
	var out domain.MigrationStatus
	err := c.get(ctx, "/api/v1/migrations/"+url.PathEscape(name), &out)
	return out, err
}

func (c *HTTP) SetMigrationStatus(ctx context.Context, st domain.MigrationStatus) error {
	in := migrationInput{
		Status:       string(st.Status),
		StartedAt:    st.StartedAt,
		CompletedAt:  st.CompletedAt,
		ErrorMessage: st.ErrorMessage,
		Processed:    st.Processed,
		Failed:       st.Failed,
	}
	return c.send(ctx, http.MethodPut, "/api/v1/migrations/"+url.PathEscape(st.Name), in, nil)
}

func (c *HTTP) ListLegacyKeys(ctx context.Context, user domain.UserID) ([]domain.LegacyKeyRecord, error) {
	var out []domain.LegacyKeyRecord
	err := c.get(ctx, "/api/v1/legacy-keys?user="+url.QueryEscape(string(user)), &out)
	return out, err
}

// AddLegacyKey imports a record of the server-stored key scheme.
func (c *HTTP) AddLegacyKey(ctx context.Context, rec domain.LegacyKeyRecord) error {
	return c.send(ctx, http.MethodPost, "/api/v1/legacy-keys", rec, nil)
}

func (c *HTTP) GetLegacyKey(ctx context.Context, conv domain.ConversationID) (domain.LegacyKeyRecord, error) {
	var out domain.LegacyKeyRecord
	err := c.get(ctx, "/api/v1/legacy-keys/"+url.PathEscape(string(conv)), &out)
	return out, err
}

func (c *HTTP) MarkLegacyKeyMigrated(ctx context.Context, conv domain.ConversationID) error {
	return c.send(ctx, http.MethodPost, "/api/v1/legacy-keys/"+url.PathEscape(string(conv))+"/migrated", nil, nil)
}

func (c *HTTP) DeleteLegacyKeys(ctx context.Context, convs []domain.ConversationID) error {
	if len(convs) == 0 {
		return nil
	}
	in := deleteLegacyInput{ConversationIDs: make([]string, len(convs))}
	for i, id := range convs {
		in.ConversationIDs[i] = string(id)
	}
	return c.send(ctx, http.MethodPost, "/api/v1/legacy-keys/delete", in, nil)
}

func (c *HTTP) PublishGroupKey(ctx context.Context, group domain.ConversationID, version int, envs []domain.GroupKeyEnvelope) error {
	return c.send(ctx, http.MethodPost, groupPath(group)+"/versions/"+strconv.Itoa(version), envs, nil)
}

func (c *HTTP) GetGroupKeyEnvelope(ctx context.Context, group domain.ConversationID, version int, member domain.UserID) (domain.GroupKeyEnvelope, error) {
	var out domain.GroupKeyEnvelope
	err := c.get(ctx, groupPath(group)+"/versions/"+strconv.Itoa(version)+"/"+url.PathEscape(string(member)), &out)
	return out, err
}

func (c *HTTP) LatestGroupKeyVersion(ctx context.Context, group domain.ConversationID) (int, error) {
	var out latestVersionOutput
	if err := c.get(ctx, groupPath(group)+"/latest", &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

func groupPath(group domain.ConversationID) string {
	return "/api/v1/groups/" + url.PathEscape(string(group))
}

func (c *HTTP) get(ctx context.Context, path string, out interface{}) error {
	var apiErr ApiError
	resp, err := c.client.R().SetContext(ctx).SetResult(out).SetError(&apiErr).Get(path)
	if err != nil {
		return fmt.Errorf("directory GET %s: %w", path, err)
	}
	return handleError(resp, &apiErr)
}

func (c *HTTP) send(ctx context.Context, method, path string, body, out interface{}) error {
	var apiErr ApiError
	req := c.client.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("directory %s %s: %w", method, path, err)
	}
	return handleError(resp, &apiErr)
}

// handleError maps directory status codes back onto domain errors.
func handleError(resp *resty.Response, apiErr *ApiError) error {
	if !resp.IsError() {
		return nil
	}
	if apiErr.Message == "" {
		// resty only decodes error bodies served as JSON.
		_ = json.Unmarshal(resp.Body(), apiErr)
	}
	msg := apiErr.Message
	if msg == "" {
		msg = resp.Status()
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, domain.ErrVersionConflict)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w", msg, errInvalid)
	}
	return fmt.Errorf("directory %s %s: %d %s", resp.Request.Method, resp.Request.URL, resp.StatusCode(), msg)
}
