package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the agent-service surface the stores consume. Every call carries
// an explicit directory so no ambient working-directory state exists on this
// side; two calls against different directories can never interleave badly.
type Client interface {
	ListSessions(ctx context.Context, directory string) ([]Session, error)
	GetSession(ctx context.Context, directory, id string) (Session, error)
	CreateSession(ctx context.Context, directory, title, parentID string) (Session, error)
	UpdateSessionTitle(ctx context.Context, directory, id, title string) (Session, error)
	DeleteSession(ctx context.Context, directory, id string) error
	ShareSession(ctx context.Context, directory, id string) (Session, error)
	UnshareSession(ctx context.Context, directory, id string) (Session, error)
	RevertSession(ctx context.Context, directory, id, messageID string) (Session, error)

	ListMessages(ctx context.Context, directory, sessionID string) ([]Message, error)
	ListMessagesBefore(ctx context.Context, directory, sessionID, beforeID string, limit int) ([]Message, error)
	ListMessagesAfter(ctx context.Context, directory, sessionID, afterID string, limit int) ([]Message, error)
	SendMessage(ctx context.Context, directory string, req SendRequest) (Message, error)
	AbortSession(ctx context.Context, directory, sessionID string) error

	RespondPermission(ctx context.Context, directory, sessionID, permissionID string, reply PermissionReply) error

	ListAgents(ctx context.Context, directory string) ([]Agent, error)
	ListModels(ctx context.Context, directory string) ([]Model, error)
	ListLocalDirectory(ctx context.Context, directory, path string) ([]DirEntry, error)
}

// HTTPClient talks JSON over HTTP to a running agent service.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path, directory string, body any, out any) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(directory) != "" {
		q := u.Query()
		q.Set("directory", directory)
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Code: CodeTimeout, Message: err.Error()}
		}
		return &Error{Code: CodeFetchFailed, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Code: CodeFetchFailed, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *HTTPClient) ListSessions(ctx context.Context, directory string) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/session", directory, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *HTTPClient) GetSession(ctx context.Context, directory, id string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(id), directory, nil, &sess)
	return sess, err
}

func (c *HTTPClient) CreateSession(ctx context.Context, directory, title, parentID string) (Session, error) {
	body := map[string]string{}
	if strings.TrimSpace(title) != "" {
		body["title"] = title
	}
	if strings.TrimSpace(parentID) != "" {
		body["parentID"] = parentID
	}
	var sess Session
	err := c.do(ctx, http.MethodPost, "/session", directory, body, &sess)
	return sess, err
}

func (c *HTTPClient) UpdateSessionTitle(ctx context.Context, directory, id, title string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodPatch, "/session/"+url.PathEscape(id), directory, map[string]string{"title": title}, &sess)
	return sess, err
}

func (c *HTTPClient) DeleteSession(ctx context.Context, directory, id string) error {
	return c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(id), directory, nil, nil)
}

func (c *HTTPClient) ShareSession(ctx context.Context, directory, id string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(id)+"/share", directory, nil, &sess)
	return sess, err
}

func (c *HTTPClient) UnshareSession(ctx context.Context, directory, id string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(id)+"/share", directory, nil, &sess)
	return sess, err
}

func (c *HTTPClient) RevertSession(ctx context.Context, directory, id, messageID string) (Session, error) {
	var sess Session
	err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(id)+"/revert", directory, map[string]string{"messageID": messageID}, &sess)
	return sess, err
}

func (c *HTTPClient) ListMessages(ctx context.Context, directory, sessionID string) ([]Message, error) {
	var msgs []Message
	err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", directory, nil, &msgs)
	return msgs, err
}

func (c *HTTPClient) ListMessagesBefore(ctx context.Context, directory, sessionID, beforeID string, limit int) ([]Message, error) {
	path := fmt.Sprintf("/session/%s/message?before=%s&limit=%d", url.PathEscape(sessionID), url.QueryEscape(beforeID), limit)
	var msgs []Message
	err := c.do(ctx, http.MethodGet, path, directory, nil, &msgs)
	return msgs, err
}

func (c *HTTPClient) ListMessagesAfter(ctx context.Context, directory, sessionID, afterID string, limit int) ([]Message, error) {
	path := fmt.Sprintf("/session/%s/message?after=%s&limit=%d", url.PathEscape(sessionID), url.QueryEscape(afterID), limit)
	var msgs []Message
	err := c.do(ctx, http.MethodGet, path, directory, nil, &msgs)
	return msgs, err
}

func (c *HTTPClient) SendMessage(ctx context.Context, directory string, req SendRequest) (Message, error) {
	var msg Message
	err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(req.SessionID)+"/message", directory, req, &msg)
	return msg, err
}

func (c *HTTPClient) AbortSession(ctx context.Context, directory, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", directory, nil, nil)
}

func (c *HTTPClient) RespondPermission(ctx context.Context, directory, sessionID, permissionID string, reply PermissionReply) error {
	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(permissionID)
	return c.do(ctx, http.MethodPost, path, directory, map[string]string{"response": string(reply)}, nil)
}

func (c *HTTPClient) ListAgents(ctx context.Context, directory string) ([]Agent, error) {
	var agents []Agent
	err := c.do(ctx, http.MethodGet, "/agent", directory, nil, &agents)
	return agents, err
}

func (c *HTTPClient) ListModels(ctx context.Context, directory string) ([]Model, error) {
	var models []Model
	err := c.do(ctx, http.MethodGet, "/config/models", directory, nil, &models)
	return models, err
}

func (c *HTTPClient) ListLocalDirectory(ctx context.Context, directory, path string) ([]DirEntry, error) {
	p := fmt.Sprintf("/file/list?path=%s", url.QueryEscape(path))
	var entries []DirEntry
	err := c.do(ctx, http.MethodGet, p, directory, nil, &entries)
	return entries, err
}
