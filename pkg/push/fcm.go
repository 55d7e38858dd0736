package push

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// ErrNoTokens indicates the target user has no registered devices. Callers
// treat it as a skipped dispatch, not a failure.
var ErrNoTokens = errors.New("no device tokens registered")

// Config contains credentials required to talk to Firebase Cloud Messaging.
type Config struct {
	CredentialsJSON string
	ProjectID       string
}

// Message is a single push dispatch request.
type Message struct {
	Tokens []string
	Title  string
	Body   string
	Link   string
	Data   map[string]string
}

// Result summarises per-token outcomes of a multicast send.
type Result struct {
	Successes int
	Failures  int
}

// Client implements push dispatch via the Firebase Admin SDK.
type Client struct {
	messaging *messaging.Client
	logger    zerolog.Logger
}

// New constructs an FCM client from service-account credentials.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.CredentialsJSON == "" {
		return nil, fmt.Errorf("firebase credentials must be provided")
	}

	opts := []option.ClientOption{option.WithCredentialsJSON([]byte(cfg.CredentialsJSON))}

	var firebaseCfg *firebase.Config
	if cfg.ProjectID != "" {
		firebaseCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, firebaseCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	return &Client{
		messaging: client,
		logger:    logger.With().Str("component", "push_client").Logger(),
	}, nil
}

// Dispatch sends the message to every token and reports per-token outcomes.
// Individual token failures are logged, never fatal.
func (c *Client) Dispatch(ctx context.Context, msg Message) (Result, error) {
	if len(msg.Tokens) == 0 {
		return Result{}, ErrNoTokens
	}

	data := make(map[string]string, len(msg.Data)+1)
	for key, value := range msg.Data {
		data[key] = value
	}
	if msg.Link != "" {
		data["click_action"] = msg.Link
	}

	multicast := &messaging.MulticastMessage{
		Tokens: msg.Tokens,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
	}

	response, err := c.messaging.SendEachForMulticast(ctx, multicast)
	if err != nil {
		return Result{}, fmt.Errorf("push dispatch failed: %w", err)
	}

	for i, send := range response.Responses {
		if send.Error != nil {
			c.logger.Debug().Err(send.Error).Str("token", msg.Tokens[i]).Msg("push delivery failed for token")
		}
	}

	return Result{
		Successes: response.SuccessCount,
		Failures:  response.FailureCount,
	}, nil
}
