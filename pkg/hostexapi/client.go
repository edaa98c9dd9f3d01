// Copyright 2024-2026 Aiku AI

// Package hostexapi implements a client for the Hostex booking platform's
// conversation API. All timestamps returned by the API are normalized to UTC
// at this boundary; callers never see a timezone-naive time.
package hostexapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Conversation is a single guest thread as returned by the conversations
// listing endpoint.
type Conversation struct {
	ID            string `json:"id"`
	Guest         Guest  `json:"guest"`
	LastMessageAt string `json:"last_message_at"`
}

// Guest identifies the external party of a conversation.
type Guest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Message is one message inside a conversation.
type Message struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
	SenderRole string `json:"sender_role"`
}

type conversationsResponse struct {
	Data struct {
		Conversations []Conversation `json:"conversations"`
	} `json:"data"`
}

type conversationResponse struct {
	Data struct {
		Guest    Guest     `json:"guest"`
		Messages []Message `json:"messages"`
	} `json:"data"`
}

type sendResponse struct {
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// Client talks to the Hostex REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a Hostex API client. The token is sent as a bearer token
// on every request.
func NewClient(baseURL, token string, log zerolog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("hostex API URL is required")
	}
	if token == "" {
		return nil, fmt.Errorf("hostex API token is required")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "hostex_api").Logger(),
	}, nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, params url.Values, body, into any) error {
	reqURL := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", endpoint, err)
	}
	if resp.StatusCode >= 400 {
		c.log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", endpoint).
			Str("body", string(respBody)).
			Msg("Hostex API returned an error")
		return fmt.Errorf("hostex API returned HTTP %d for %s", resp.StatusCode, endpoint)
	}
	if into != nil {
		if err = json.Unmarshal(respBody, into); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
		}
	}
	return nil
}

// Conversations fetches a page of the conversation list.
func (c *Client) Conversations(ctx context.Context, offset, limit int) ([]Conversation, error) {
	params := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
	var resp conversationsResponse
	if err := c.request(ctx, http.MethodGet, "conversations", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Conversations, nil
}

// ConversationMessages fetches up to limit messages for a conversation.
// afterID, if non-empty, asks the API to return only messages after that id.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string, limit int, afterID string) ([]Message, error) {
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if afterID != "" {
		params.Set("last_message_id", afterID)
	}
	var resp conversationResponse
	if err := c.request(ctx, http.MethodGet, "conversations/"+conversationID, params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Messages, nil
}

// GuestName fetches the guest's display name for a conversation, falling back
// to "Unknown Guest" when the API doesn't return one.
func (c *Client) GuestName(ctx context.Context, conversationID string) (string, error) {
	var resp conversationResponse
	if err := c.request(ctx, http.MethodGet, "conversations/"+conversationID, nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.Data.Guest.Name == "" {
		return "Unknown Guest", nil
	}
	return resp.Data.Guest.Name, nil
}

// SendMessage posts a text message into a conversation. A non-200 error_code
// in the response body is returned as an error.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) error {
	var resp sendResponse
	err := c.request(ctx, http.MethodPost, "conversations/"+conversationID, nil, map[string]string{"message": text}, &resp)
	if err != nil {
		return err
	}
	if resp.ErrorCode != 0 && resp.ErrorCode != 200 {
		return fmt.Errorf("hostex rejected message: %d %s", resp.ErrorCode, resp.ErrorMsg)
	}
	return nil
}

// timestampLayouts are tried in order when parsing API timestamps. The API
// sometimes omits the timezone entirely, in which case UTC is assumed.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp from the API and returns it
// normalized to UTC. On parse failure it returns the current UTC time so a
// malformed timestamp never stops message processing.
func ParseTimestamp(raw string) time.Time {
	trimmed := strings.TrimSuffix(raw, "Z")
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
		if ts, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}
