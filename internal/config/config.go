// Package config loads the service configuration from the environment.
//
// Load reads an optional .env file, parses the process environment into a
// raw struct and derives the immutable Config every component receives.
// Nothing else in the module reads environment variables for behaviour.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/fpang/lookbook-bot/internal/payments"
)

// Modes.
const (
	ModeReal = "REAL"
	ModeMock = "MOCK"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverDynamo   = "dynamodb"
)

type rawConfig struct {
	Mode         string `env:"MODE" envDefault:"REAL"`
	MockDemoFile string `env:"MOCK_DEMO_FILE"`

	BotToken         string `env:"BOT_TOKEN"`
	BotTokenSSMParam string `env:"BOT_TOKEN_SSM_PARAM"`
	AdminIDs         string `env:"ADMIN_IDS"`

	CaptionAsPrompt     bool `env:"USE_CAPTION_AS_PROMPT" envDefault:"true"`
	ShowPromptInCaption bool `env:"SHOW_PROMPT_IN_CAPTION" envDefault:"false"`

	KieAPIBase       string        `env:"KIE_API_BASE" envDefault:"https://api.kie.ai"`
	KieAPIKey        string        `env:"KIE_API_KEY"`
	KieAPIKeySSM     string        `env:"KIE_API_KEY_SSM_PARAM"`
	KieModel         string        `env:"KIE_MODEL" envDefault:"google/nano-banana-edit"`
	KieOutputFormat  string        `env:"KIE_OUTPUT_FORMAT"`
	KieImageSize     string        `env:"KIE_IMAGE_SIZE"`
	KieCallbackURL   string        `env:"KIE_CALLBACK_URL"`
	KieDefaultPrompt string        `env:"KIE_DEFAULT_PROMPT" envDefault:"create a close clothing variation"`
	KiePollTimeout   time.Duration `env:"KIE_POLL_TIMEOUT" envDefault:"600s"`
	KiePollInterval  time.Duration `env:"KIE_POLL_INTERVAL" envDefault:"3s"`
	KieScenesLimit   int           `env:"KIE_SCENES_LIMIT" envDefault:"7"`

	WelcomeCredits int64         `env:"WELCOME_CREDITS" envDefault:"5"`
	AlbumWindow    time.Duration `env:"ALBUM_WINDOW" envDefault:"1200ms"`

	BuyPacks     string `env:"BUY_PACKS" envDefault:"30:149,120:399,350:899"`
	Currency     string `env:"CURRENCY" envDefault:"RUB"`
	YKShopID     string `env:"YK_SHOP_ID"`
	YKSecret     string `env:"YK_SECRET"`
	YKSecretSSM  string `env:"YK_SECRET_SSM_PARAM"`
	YKAPIBase    string `env:"YK_API_BASE" envDefault:"https://api.yookassa.ru/v3"`
	YKReturnURL  string `env:"YK_RETURN_URL" envDefault:"https://t.me"`
	VATCode      int    `env:"RECEIPT_VAT_CODE" envDefault:"1"`
	ReceiptEmail string `env:"RECEIPT_EMAIL"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/lookbook.db"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	DynamoTable   string `env:"DYNAMO_TABLE"`
	ArchiveBucket string `env:"ARCHIVE_BUCKET"`
	WorkDir       string `env:"WORK_DIR" envDefault:"tmp"`

	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	AdminToken    string `env:"ADMIN_TOKEN"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
}

// Kie holds the generation provider settings.
type Kie struct {
	BaseURL       string
	APIKey        string
	APIKeySSM     string
	Model         string
	OutputFormat  string
	ImageSize     string
	CallbackURL   string
	DefaultPrompt string
	PollTimeout   time.Duration
	PollInterval  time.Duration
	ScenesLimit   int
}

// YooKassa holds the payment provider settings.
type YooKassa struct {
	BaseURL      string
	ShopID       string
	Secret       string
	SecretSSM    string
	ReturnURL    string
	VATCode      int
	ReceiptEmail string
}

// Store selects and locates the ledger backend.
type Store struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	DynamoTable string
}

// Config is the immutable service configuration. Struct fields are plain
// values; slices and maps are reachable only through accessors that copy.
type Config struct {
	Mode         string
	MockDemoFile string

	BotToken         string
	BotTokenSSMParam string

	CaptionAsPrompt     bool
	ShowPromptInCaption bool

	Kie      Kie
	YooKassa YooKassa
	Store    Store

	WelcomeCredits int64
	AlbumWindow    time.Duration
	Currency       string

	ArchiveBucket string
	WorkDir       string

	HTTPAddr      string
	AdminToken    string
	WebhookSecret string

	admins map[int64]struct{}
	packs  []payments.Pack
}

// Load reads .env when present and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to read .env file")
	}
	return FromEnv()
}

// FromEnv parses the current process environment without touching .env.
func FromEnv() (*Config, error) {
	var raw rawConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	mode := strings.ToUpper(strings.TrimSpace(raw.Mode))
	if mode != ModeReal && mode != ModeMock {
		return nil, fmt.Errorf("MODE must be %s or %s, got %q", ModeReal, ModeMock, raw.Mode)
	}
	driver := strings.ToLower(strings.TrimSpace(raw.StoreDriver))
	switch driver {
	case DriverSQLite, DriverPostgres, DriverDynamo:
	default:
		return nil, fmt.Errorf("STORE_DRIVER %q is not supported", raw.StoreDriver)
	}
	if driver == DriverPostgres && raw.PostgresDSN == "" {
		return nil, errors.New("POSTGRES_DSN is required for the postgres store")
	}
	if driver == DriverDynamo && raw.DynamoTable == "" {
		return nil, errors.New("DYNAMO_TABLE is required for the dynamodb store")
	}
	if raw.KiePollTimeout <= 0 || raw.KiePollInterval <= 0 {
		return nil, errors.New("KIE_POLL_TIMEOUT and KIE_POLL_INTERVAL must be positive")
	}
	if raw.AlbumWindow <= 0 {
		return nil, errors.New("ALBUM_WINDOW must be positive")
	}
	if raw.WelcomeCredits < 0 {
		return nil, errors.New("WELCOME_CREDITS must not be negative")
	}

	return &Config{
		Mode:                mode,
		MockDemoFile:        raw.MockDemoFile,
		BotToken:            raw.BotToken,
		BotTokenSSMParam:    raw.BotTokenSSMParam,
		CaptionAsPrompt:     raw.CaptionAsPrompt,
		ShowPromptInCaption: raw.ShowPromptInCaption,
		Kie: Kie{
			BaseURL:       raw.KieAPIBase,
			APIKey:        raw.KieAPIKey,
			APIKeySSM:     raw.KieAPIKeySSM,
			Model:         raw.KieModel,
			OutputFormat:  raw.KieOutputFormat,
			ImageSize:     raw.KieImageSize,
			CallbackURL:   raw.KieCallbackURL,
			DefaultPrompt: raw.KieDefaultPrompt,
			PollTimeout:   raw.KiePollTimeout,
			PollInterval:  raw.KiePollInterval,
			ScenesLimit:   raw.KieScenesLimit,
		},
		YooKassa: YooKassa{
			BaseURL:      raw.YKAPIBase,
			ShopID:       raw.YKShopID,
			Secret:       raw.YKSecret,
			SecretSSM:    raw.YKSecretSSM,
			ReturnURL:    raw.YKReturnURL,
			VATCode:      raw.VATCode,
			ReceiptEmail: raw.ReceiptEmail,
		},
		Store: Store{
			Driver:      driver,
			SQLitePath:  raw.SQLitePath,
			PostgresDSN: raw.PostgresDSN,
			DynamoTable: raw.DynamoTable,
		},
		WelcomeCredits: raw.WelcomeCredits,
		AlbumWindow:    raw.AlbumWindow,
		Currency:       strings.ToUpper(raw.Currency),
		ArchiveBucket:  raw.ArchiveBucket,
		WorkDir:        raw.WorkDir,
		HTTPAddr:       raw.HTTPAddr,
		AdminToken:     raw.AdminToken,
		WebhookSecret:  raw.WebhookSecret,
		admins:         parseAdminIDs(raw.AdminIDs),
		packs:          payments.ParsePacks(raw.BuyPacks),
	}, nil
}

// parseAdminIDs splits on ',' or ';' and skips entries that are not integers.
func parseAdminIDs(s string) map[int64]struct{} {
	ids := make(map[int64]struct{})
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			log.Warn().Str("value", f).Msg("Ignoring invalid admin id")
			continue
		}
		ids[id] = struct{}{}
	}
	return ids
}

// Mock reports whether MODE=MOCK.
func (c *Config) Mock() bool { return c.Mode == ModeMock }

// IsAdmin reports whether userID is in ADMIN_IDS.
func (c *Config) IsAdmin(userID int64) bool {
	_, ok := c.admins[userID]
	return ok
}

// AdminIDs returns the admin ids in ascending order.
func (c *Config) AdminIDs() []int64 {
	ids := make([]int64, 0, len(c.admins))
	for id := range c.admins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Packs returns a copy of the purchasable credit packs.
func (c *Config) Packs() []payments.Pack {
	return append([]payments.Pack(nil), c.packs...)
}
