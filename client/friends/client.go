// Package friends fetches the contact list from the directory REST api.
package friends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/peercall/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultMaxBodySize    = 1 << 20
)

var (
	ErrRequest  = errors.New("friends request failed")
	ErrResponse = errors.New("unexpected friends response")
)

type (
	Config struct {
		Logger *zerolog.Logger
		// URL of the REST api, e.g. http://relay:8080
		URL string
		// Token is sent as a bearer token when set.
		Token  string
		Client *http.Client
	}

	Client struct {
		logger  zerolog.Logger
		baseURL string
		token   string
		client  *http.Client
	}
)

func NewClient(cfg Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		logger:  cfg.Logger.With().Str("component", "friends").Logger(),
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		token:   cfg.Token,
		client:  client,
	}
}

// FetchFriends returns the friends of userID.
func (c *Client) FetchFriends(ctx context.Context, userID string) ([]model.User, error) {
	u := c.baseURL + "/api/v1/friendships?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", u).Msg("friends request failed")
		return nil, errors.Join(ErrRequest, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodySize))
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrResponse, resp.StatusCode)
	}

	var users []model.User
	if err = json.Unmarshal(body, &users); err != nil {
		return nil, errors.Join(ErrResponse, err)
	}
	c.logger.Trace().Int("count", len(users)).Str("user", userID).Msg("friends fetched")
	return users, nil
}
