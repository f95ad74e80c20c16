package config

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMConfig names the Parameter Store entries read in prod.
type SSMConfig struct {
	AlpacaKey        string `mapstructure:"alpaca_key"`
	AlpacaSecret     string `mapstructure:"alpaca_secret"`
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	DBHost           string `mapstructure:"db_host"`
	DBUser           string `mapstructure:"db_user"`
	DBPassword       string `mapstructure:"db_password"`
}

// ParameterStore is the subset of the SSM client used here.
type ParameterStore interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NewParameterStore builds an SSM client from the default AWS credential chain.
func NewParameterStore(ctx context.Context) (*ssm.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ssm.NewFromConfig(awsCfg), nil
}

// ResolveSecrets fills credentials from Parameter Store when running in prod.
// Credentials already set (by file or environment) win, except the database
// host and user. It is a no-op in dev.
func (c *Config) ResolveSecrets(ctx context.Context, store ParameterStore) error {
	if c.Environment != "prod" {
		return nil
	}

	// host and user have non-empty defaults, so in prod they always come from the store
	targets := []struct {
		name   string
		dst    *string
		need   bool
		always bool
	}{
		{c.SSM.AlpacaKey, &c.Alpaca.Key, true, false},
		{c.SSM.AlpacaSecret, &c.Alpaca.Secret, true, false},
		{c.SSM.TelegramBotToken, &c.Telegram.BotToken, c.Telegram.Enabled, false},
		{c.SSM.DBHost, &c.Postgres.Host, c.Postgres.Enabled, true},
		{c.SSM.DBUser, &c.Postgres.User, c.Postgres.Enabled, true},
		{c.SSM.DBPassword, &c.Postgres.Password, c.Postgres.Enabled, false},
	}
	for _, tgt := range targets {
		if !tgt.need || tgt.name == "" {
			continue
		}
		if *tgt.dst != "" && !tgt.always {
			continue
		}
		value, err := getParameterStoreValue(ctx, store, tgt.name, true)
		if err != nil {
			return err
		}
		*tgt.dst = value
	}
	return nil
}

func getParameterStoreValue(ctx context.Context, store ParameterStore, parameterName string, decrypt bool) (string, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	input := &ssm.GetParameterInput{
		Name:           &parameterName,
		WithDecryption: &decrypt,
	}

	result, err := store.GetParameter(ctxWithTimeout, input)
	if err != nil {
		return "", fmt.Errorf("ssm parameter %s: %w", parameterName, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %s has no value", parameterName)
	}

	return *result.Parameter.Value, nil
}
