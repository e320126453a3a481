package main

import (
	"context"
	"fmt"

	"github.com/fpang/lookbook-bot/internal/awsboot"
	"github.com/fpang/lookbook-bot/internal/config"
	"github.com/fpang/lookbook-bot/internal/kie"
	"github.com/fpang/lookbook-bot/internal/ledger"
	"github.com/fpang/lookbook-bot/internal/ledger/postgres"
	"github.com/fpang/lookbook-bot/internal/ledger/sqlite"
	"github.com/fpang/lookbook-bot/internal/payments"
)

// secrets lists the values that may come from SSM instead of the environment.
func secrets(c *config.Config) []awsboot.Secret {
	return []awsboot.Secret{
		{Label: "KIE_API_KEY", Value: &c.Kie.APIKey, Param: c.Kie.APIKeySSM},
		{Label: "YK_SECRET", Value: &c.YooKassa.Secret, Param: c.YooKassa.SecretSSM},
		{Label: "BOT_TOKEN", Value: &c.BotToken, Param: c.BotTokenSSMParam},
	}
}

func needsAWS(c *config.Config) bool {
	return c.Store.Driver == config.DriverDynamo || c.ArchiveBucket != "" || awsboot.NeedsSSM(secrets(c)...)
}

// initAWS loads AWS config and fills secrets from SSM. It returns nil when
// nothing in the configuration needs AWS.
func initAWS(ctx context.Context, c *config.Config) (*awsboot.Clients, error) {
	if !needsAWS(c) {
		return nil, nil
	}
	clients, err := awsboot.InitAWS(ctx)
	if err != nil {
		return nil, err
	}
	if err := awsboot.ResolveSecrets(ctx, clients.SSM, secrets(c)...); err != nil {
		return nil, err
	}
	return &clients, nil
}

// openStore opens the ledger backend named by STORE_DRIVER.
func openStore(ctx context.Context, c *config.Config, aws *awsboot.Clients) (ledger.Store, error) {
	switch c.Store.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, c.Store.PostgresDSN)
	case config.DriverDynamo:
		if aws == nil {
			return nil, fmt.Errorf("dynamodb store needs AWS config")
		}
		return awsboot.DynamoLedger(aws.Config, c.Store.DynamoTable), nil
	default:
		return sqlite.Open(ctx, c.Store.SQLitePath)
	}
}

// bootLedger is the common path for commands that only need the ledger.
func bootLedger(ctx context.Context) (ledger.Store, *awsboot.Clients, error) {
	aws, err := initAWS(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(ctx, cfg, aws)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return store, aws, nil
}

func newKieClient(c *config.Config) *kie.Client {
	return kie.NewClient(kie.Options{
		BaseURL:       c.Kie.BaseURL,
		APIKey:        c.Kie.APIKey,
		Model:         c.Kie.Model,
		OutputFormat:  c.Kie.OutputFormat,
		ImageSize:     c.Kie.ImageSize,
		DefaultPrompt: c.Kie.DefaultPrompt,
		CallbackURL:   c.Kie.CallbackURL,
	})
}

func newYooKassa(c *config.Config) *payments.YooKassa {
	return payments.NewYooKassa(payments.YooKassaConfig{
		BaseURL:      c.YooKassa.BaseURL,
		ShopID:       c.YooKassa.ShopID,
		Secret:       c.YooKassa.Secret,
		ReturnURL:    c.YooKassa.ReturnURL,
		VATCode:      c.YooKassa.VATCode,
		ReceiptEmail: c.YooKassa.ReceiptEmail,
	})
}
