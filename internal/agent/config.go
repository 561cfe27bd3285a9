// Package agent runs the push activation state machine as a long-lived device
// process: it reads its settings from the environment, opens the local store,
// answers push detail requests with a fixed recipient and reports transitions.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/relaypush/relaypush/pkg/push"
)

// Actions accepted in PUSH_AGENT_ACTION.
const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
	ActionResume     = "resume"
)

// Configuration errors.
var (
	ErrNoAPIURL         = errors.New("agent: PUSH_API_URL is required")
	ErrUnknownAction    = errors.New("agent: unknown action")
	ErrInvalidRecipient = errors.New("agent: invalid PUSH_RECIPIENT")
)

// Config holds the agent settings.
type Config struct {
	APIURL     string
	APIKey     string
	ClientID   string
	Platform   string
	FormFactor string

	// Storage selects the local store: memory, file:<path>, sqlite:<path> or postgres.
	Storage string

	// Namespace scopes the postgres store. Defaults to the client ID or "pushagent".
	Namespace string

	// Recipient is the push address handed to the machine, e.g. {"transportType":"fcm","registrationToken":"..."}.
	Recipient map[string]string

	// RecipientFile, when set, holds the recipient JSON and is re-read on reload.
	RecipientFile string

	Action      string
	CallTimeout time.Duration
	HealthPort  string

	// PubSub settings for activation change events. Both empty disables publishing.
	PubSubProject string
	PubSubTopic   string
}

// ConfigFromEnv reads the agent configuration from the environment.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		APIURL:        os.Getenv("PUSH_API_URL"),
		APIKey:        os.Getenv("PUSH_API_KEY"),
		ClientID:      os.Getenv("PUSH_CLIENT_ID"),
		Platform:      getEnvOrDefault("PUSH_PLATFORM", "linux"),
		FormFactor:    getEnvOrDefault("PUSH_FORM_FACTOR", push.FormFactorDesktop),
		Storage:       getEnvOrDefault("PUSH_STORAGE", "file:pushagent.json"),
		Namespace:     os.Getenv("PUSH_STORAGE_NAMESPACE"),
		Action:        strings.ToLower(getEnvOrDefault("PUSH_AGENT_ACTION", ActionActivate)),
		HealthPort:    getEnvOrDefault("APP_PORT", "8081"),
		PubSubProject: os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:   os.Getenv("PUBSUB_TOPIC"),
		RecipientFile: os.Getenv("PUSH_RECIPIENT_FILE"),
	}

	timeout, err := time.ParseDuration(getEnvOrDefault("PUSH_CALL_TIMEOUT", "30s"))
	if err != nil {
		return Config{}, fmt.Errorf("agent: invalid PUSH_CALL_TIMEOUT: %w", err)
	}
	cfg.CallTimeout = timeout

	if raw := os.Getenv("PUSH_RECIPIENT"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Recipient); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
		}
	}
	if cfg.RecipientFile != "" {
		recipient, err := LoadRecipient(cfg.RecipientFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Recipient = recipient
	}

	if cfg.Namespace == "" {
		cfg.Namespace = cfg.ClientID
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "pushagent"
	}

	return cfg, cfg.Validate()
}

// Validate checks the settings every run needs.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return ErrNoAPIURL
	}
	switch c.Action {
	case ActionActivate, ActionDeactivate, ActionResume:
	default:
		return fmt.Errorf("%w %q, want activate, deactivate or resume", ErrUnknownAction, c.Action)
	}
	if c.Action == ActionActivate && c.Recipient[push.RecipientTransportType] == "" {
		return fmt.Errorf("%w: transportType is required to activate", ErrInvalidRecipient)
	}
	return nil
}

// LoadRecipient reads a recipient JSON object from path.
func LoadRecipient(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: reading recipient file: %w", err)
	}
	var recipient map[string]string
	if err := json.Unmarshal(raw, &recipient); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidRecipient, path, err)
	}
	return recipient, nil
}

// PublishesEvents reports whether activation changes go to Pub/Sub.
func (c Config) PublishesEvents() bool {
	return c.PubSubProject != "" && c.PubSubTopic != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
