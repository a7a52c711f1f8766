package processing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Config_HydrateDefaults(t *testing.T) {
	c := require.New(t)

	config := Config{WaitTimeout: 5 * time.Second}
	config.HydrateDefaults()

	c.Equal(Config{
		SendRetries:                 defaultSendRetries,
		SendBackoff:                 defaultSendBackoff,
		WaitTimeout:                 5 * time.Second,
		BlockPollInterval:           defaultBlockPollInterval,
		MessageExpirationTimeout:    defaultMessageExpirationTimeout,
		ExpirationTimeoutGrowFactor: defaultExpirationTimeoutGrowFactor,
	}, config)
	c.NoError(config.Validate())
}

func Test_Config_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "negative send retries", modify: func(c *Config) { c.SendRetries = -1 }},
		{name: "negative send backoff", modify: func(c *Config) { c.SendBackoff = -time.Second }},
		{name: "negative message retries", modify: func(c *Config) { c.MessageRetriesCount = -2 }},
		{name: "sub-second expiration window", modify: func(c *Config) { c.MessageExpirationTimeout = time.Millisecond }},
		{name: "shrinking expiration window", modify: func(c *Config) { c.ExpirationTimeoutGrowFactor = 0.5 }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := Config{}
			config.HydrateDefaults()
			test.modify(&config)
			require.ErrorIs(t, config.Validate(), ErrInvalidConfig)
		})
	}
}

func Test_MessageFSM(t *testing.T) {
	c := require.New(t)
	ctx := context.Background()

	machine := newMessageFSM()
	c.ErrorIs(transition(ctx, machine, eventConfirm), ErrIllegalTransition)

	c.NoError(transition(ctx, machine, eventSend))
	c.NoError(transition(ctx, machine, eventWait))
	c.NoError(transition(ctx, machine, eventExpire))
	c.Equal(stateExpired, machine.Current())

	// Terminal states accept nothing.
	c.ErrorIs(transition(ctx, machine, eventFail), ErrIllegalTransition)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	machine = newMessageFSM()
	c.NoError(transition(cancelled, machine, eventFail))
	c.Equal(stateFailed, machine.Current())
}
