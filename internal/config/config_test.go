package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NANOCLAW_BOT_TOKEN", "test-token")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "telegram", cfg.Messenger.Platform)
	require.Equal(t, "Andy", cfg.Messenger.AssistantName)
	require.Equal(t, "main", cfg.Agent.MainWorkspaceFolder)
	require.Positive(t, cfg.Queue.RetryLimit)
}

func TestValidateRejectsMissingToken(t *testing.T) {
	cfg := Config{
		Store:     StoreConfig{Path: "x.db"},
		Messenger: MessengerConfig{Platform: "telegram"},
		Queue:     QueueConfig{RetryLimit: 3, RetryBaseDelayMS: 100, RetryMaxDelayMS: 1000},
		Agent:     AgentConfig{MainWorkspaceFolder: "main", BatchTimeoutMS: 1000},
		Batch:     BatchConfig{DefaultTriggerPattern: "^x"},
		IPC:       IPCConfig{Root: "/tmp/ipc"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}

	err := validate(&cfg)
	require.Error(t, err)
}

func TestValidateRejectsUnknownPlatform(t *testing.T) {
	cfg := Config{
		Store:     StoreConfig{Path: "x.db"},
		Messenger: MessengerConfig{Platform: "carrier-pigeon"},
		Queue:     QueueConfig{RetryLimit: 3, RetryBaseDelayMS: 100, RetryMaxDelayMS: 1000},
		Agent:     AgentConfig{MainWorkspaceFolder: "main", BatchTimeoutMS: 1000},
		Batch:     BatchConfig{DefaultTriggerPattern: "^x"},
		IPC:       IPCConfig{Root: "/tmp/ipc"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}

	err := validate(&cfg)
	require.Error(t, err)
}
