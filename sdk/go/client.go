// Package punchcardsdk is a minimal HTTP client for the punchcard API,
// intended for chat frontends driving cards on behalf of members.
package punchcardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to one punchcard server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: 10 * time.Second,
	}
}

// Card mirrors the API card model.
type Card struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	CommunityID       string     `json:"community_id"`
	State             string     `json:"state"`
	Paused            bool       `json:"paused"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	Total             string     `json:"total"`
	TotalSeconds      int64      `json:"total_seconds"`
	FourHoursNotified bool       `json:"four_hours_notified,omitempty"`
	CanceledBy        string     `json:"canceled_by,omitempty"`
	Version           int64      `json:"version"`
}

// APIError is the server's error envelope.
type APIError struct {
	Status  int
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("punchcard api: %s (%d): %s", e.Code, e.Status, e.Message)
}

// RetryAfter returns the suggested wait for throttle rejections, or zero.
func (e *APIError) RetryAfter() time.Duration {
	if v, ok := e.Details["retry_after_seconds"].(float64); ok {
		return time.Duration(v) * time.Second
	}
	return 0
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
			envelope.Error.Status = resp.StatusCode
			return &envelope.Error
		}
		return &APIError{Status: resp.StatusCode, Code: "unknown", Message: string(data)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ClockIn opens a card.
func (c *Client) ClockIn(ctx context.Context, userID, communityID, channelID, actor string) (Card, error) {
	var card Card
	err := c.do(ctx, http.MethodPost, "/v1/cards", map[string]string{
		"user_id":      userID,
		"community_id": communityID,
		"channel_id":   channelID,
		"actor":        actor,
	}, &card)
	return card, err
}

func (c *Client) transition(ctx context.Context, cardID, action, actor, note string) (Card, error) {
	var card Card
	err := c.do(ctx, http.MethodPost, "/v1/cards/"+cardID+"/"+action, map[string]string{
		"actor": actor,
		"note":  note,
	}, &card)
	return card, err
}

// Pause pauses the card.
func (c *Client) Pause(ctx context.Context, cardID, actor string) (Card, error) {
	return c.transition(ctx, cardID, "pause", actor, "")
}

// Resume resumes the card.
func (c *Client) Resume(ctx context.Context, cardID, actor string) (Card, error) {
	return c.transition(ctx, cardID, "resume", actor, "")
}

// Finish finalizes the card.
func (c *Client) Finish(ctx context.Context, cardID, actor string) (Card, error) {
	return c.transition(ctx, cardID, "finish", actor, "")
}

// Reopen reopens a recently finished card.
func (c *Client) Reopen(ctx context.Context, cardID, actor string) (Card, error) {
	return c.transition(ctx, cardID, "reopen", actor, "")
}

// Cancel voids the card. The reason is mandatory and actorRoles must include
// the community's responsible role.
func (c *Client) Cancel(ctx context.Context, cardID, actor, reason string, actorRoles []string) (Card, error) {
	var card Card
	err := c.do(ctx, http.MethodPost, "/v1/cards/"+cardID+"/cancel", map[string]any{
		"actor":       actor,
		"reason":      reason,
		"actor_roles": actorRoles,
	}, &card)
	return card, err
}

// ActiveCard fetches a member's open card.
func (c *Client) ActiveCard(ctx context.Context, communityID, userID string) (Card, error) {
	var card Card
	err := c.do(ctx, http.MethodGet, "/v1/communities/"+communityID+"/members/"+userID+"/card", nil, &card)
	return card, err
}

// GetCard fetches a card by id.
func (c *Client) GetCard(ctx context.Context, cardID string) (Card, error) {
	var card Card
	err := c.do(ctx, http.MethodGet, "/v1/cards/"+cardID, nil, &card)
	return card, err
}
