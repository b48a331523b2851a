package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client implements API against the Sheets v4 REST surface.
type Client struct {
	baseURL string
	tokens  *TokenSource
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, tokens *TokenSource, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://sheets.googleapis.com"
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

type valueRange struct {
	Range  string     `json:"range,omitempty"`
	Values [][]string `json:"values,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("ledger auth: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger: unexpected status %d: %s", resp.StatusCode, string(raw))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) GetRange(ctx context.Context, spreadsheetID, rng string) ([][]string, error) {
	var vr valueRange
	path := fmt.Sprintf("/v4/spreadsheets/%s/values/%s", url.PathEscape(spreadsheetID), url.PathEscape(rng))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &vr); err != nil {
		return nil, err
	}
	return vr.Values, nil
}

func (c *Client) UpdateRange(ctx context.Context, spreadsheetID, rng string, values [][]string) error {
	path := fmt.Sprintf("/v4/spreadsheets/%s/values/%s", url.PathEscape(spreadsheetID), url.PathEscape(rng))
	q := url.Values{"valueInputOption": {"USER_ENTERED"}}
	c.log.Debug("ledger update", "spreadsheet", spreadsheetID, "range", rng)
	return c.do(ctx, http.MethodPut, path, q, valueRange{Range: rng, Values: values}, nil)
}

func (c *Client) BatchUpdate(ctx context.Context, spreadsheetID string, updates []RangeUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	body := struct {
		ValueInputOption string       `json:"valueInputOption"`
		Data             []valueRange `json:"data"`
	}{ValueInputOption: "USER_ENTERED"}
	for _, u := range updates {
		body.Data = append(body.Data, valueRange{Range: u.Range, Values: u.Values})
	}
	path := fmt.Sprintf("/v4/spreadsheets/%s/values:batchUpdate", url.PathEscape(spreadsheetID))
	c.log.Debug("ledger batch update", "spreadsheet", spreadsheetID, "ranges", len(updates))
	return c.do(ctx, http.MethodPost, path, nil, body, nil)
}
