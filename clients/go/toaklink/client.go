// Package toaklink provides a client for the ToakLink agent messaging gateway.
package toaklink

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Client is a ToakLink API client. Every gateway call is signed with
// the agent's Ed25519 key and authenticated with the tenant API key.
type Client struct {
	BaseURL    string
	ConfigDir  string
	AgentID    string
	APIKey     string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	HTTPClient *http.Client
}

// Config holds agent configuration persisted to disk. The private key
// seed lives in a separate file, not here.
type Config struct {
	AgentID   string `json:"agent_id"`
	PublicKey string `json:"public_key"`
}

// NewClient creates a new ToakLink client. Credentials are loaded from
// ConfigDir when present; the API key comes from TOAKLINK_API_KEY.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	configDir := os.Getenv("TOAKLINK_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".toaklink")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		APIKey:     os.Getenv("TOAKLINK_API_KEY"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads agent credentials from disk.
func (c *Client) LoadConfig() error {
	configFile := filepath.Join(c.ConfigDir, "agent.json")
	keyFile := filepath.Join(c.ConfigDir, "private.key")

	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return err
	}

	seed, err := base64.StdEncoding.DecodeString(string(keyData))
	if err != nil {
		return err
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("private.key: bad seed length %d", len(seed))
	}

	c.AgentID = config.AgentID
	c.PrivateKey = ed25519.NewKeyFromSeed(seed)
	c.PublicKey = c.PrivateKey.Public().(ed25519.PublicKey)

	return nil
}

// SaveConfig saves agent credentials to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{
		AgentID:   c.AgentID,
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey),
	}

	data, _ := json.MarshalIndent(config, "", "  ")
	if err := os.WriteFile(filepath.Join(c.ConfigDir, "agent.json"), data, 0600); err != nil {
		return err
	}

	seed := c.PrivateKey.Seed()
	keyData := base64.StdEncoding.EncodeToString(seed)
	return os.WriteFile(filepath.Join(c.ConfigDir, "private.key"), []byte(keyData), 0600)
}

// GenerateKeypair generates a new Ed25519 keypair.
func (c *Client) GenerateKeypair() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	c.PublicKey = pub
	c.PrivateKey = priv
	return nil
}

// nonceHex returns 32 hex chars of fresh randomness.
func nonceHex() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// doRequest performs a signed request against a gateway path. The path
// is relative to the /v1/toaklink mount, which is also exactly what
// gets signed.
func (c *Client) doRequest(method, path string, body []byte) ([]byte, error) {
	headers, err := SignRequest(c.PrivateKey, c.AgentID, method, path, body, time.Now())
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, c.BaseURL+"/v1/toaklink"+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	return c.do(req)
}

// doPublic performs an unsigned request against a non-gateway path.
func (c *Client) doPublic(method, path string) ([]byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{
			Status:  resp.StatusCode,
			Code:    errResp.Code,
			Message: errResp.Error,
		}
	}

	return respBody, nil
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("toaklink error %d (%s): %s", e.Status, e.Code, e.Message)
}

// SendRequest is the request body for sending a message.
type SendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

// SendResponse is the response from sending a message.
type SendResponse struct {
	Success   bool      `json:"success"`
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Send relays a message to another agent of the same tenant.
func (c *Client) Send(to, message, subject string) (*SendResponse, error) {
	body, _ := json.Marshal(SendRequest{To: to, Message: message, Subject: subject})

	respBody, err := c.doRequest("POST", "/send", body)
	if err != nil {
		return nil, err
	}

	var resp SendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Channel describes a conversation between two agents.
type Channel struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Link resolves the channel shared with another agent without sending
// a message.
func (c *Client) Link(to string) (*Channel, error) {
	body, _ := json.Marshal(struct {
		To string `json:"to"`
	}{To: to})

	respBody, err := c.doRequest("POST", "/link", body)
	if err != nil {
		return nil, err
	}

	var resp Channel
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message represents a relayed message.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	ChannelID string    `json:"channel_id"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"ts"`
}

// ChannelSummary is one conversation in an inbox view.
type ChannelSummary struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	UnreadCount  int       `json:"unread_count"`
}

// InboxResponse is the response from the inbox endpoint.
type InboxResponse struct {
	Channels    []ChannelSummary `json:"channels"`
	TotalUnread int              `json:"total_unread"`
}

// Inbox returns the calling agent's conversations grouped by channel.
func (c *Client) Inbox() (*InboxResponse, error) {
	respBody, err := c.doRequest("GET", "/inbox/"+c.AgentID, nil)
	if err != nil {
		return nil, err
	}

	var resp InboxResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChannelResponse is the full view of one conversation.
type ChannelResponse struct {
	ChannelID    string    `json:"channel_id"`
	Messages     []Message `json:"messages"`
	Participants []string  `json:"participants"`
}

// GetChannel returns every message of one channel, oldest first.
func (c *Client) GetChannel(channelID string) (*ChannelResponse, error) {
	respBody, err := c.doRequest("GET", "/channel/"+channelID, nil)
	if err != nil {
		return nil, err
	}

	var resp ChannelResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead marks every unread message addressed to the caller in a
// channel as read.
func (c *Client) MarkRead(channelID string) error {
	_, err := c.doRequest("POST", "/channel/"+channelID+"/read", nil)
	return err
}

// RecentResponse is the response from the recent-messages endpoint.
type RecentResponse struct {
	Messages []Message `json:"messages"`
}

// Recent returns the caller's most recent messages, newest first.
// limit <= 0 uses the server default.
func (c *Client) Recent(limit int) (*RecentResponse, error) {
	path := "/recent/" + c.AgentID
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	respBody, err := c.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp RecentResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                     `json:"status"`
	Version   string                     `json:"version"`
	Checks    map[string]json.RawMessage `json:"checks"`
	Timestamp string                     `json:"timestamp"`
}

// Health checks gateway health. This endpoint is unauthenticated.
func (c *Client) Health() (*HealthResponse, error) {
	respBody, err := c.doPublic("GET", "/health")
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
