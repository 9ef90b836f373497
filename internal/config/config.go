package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// envFiles are loaded when present. Variables already set in the
// environment win.
var envFiles = []string{".env", "config/.env"}

type Config struct {
	DBSource    string
	StoreDriver string
	Port        string
	Env         string
	LogLevel    string
	LogFormat   string

	MonthlyFee      int64
	BillAmount      int64
	BillStaleAfter  time.Duration
	BillingPeriod   time.Duration
	ProviderTimeout time.Duration

	ReconcileSchedule string
	FeeSchedule       string

	YooMoneyToken    string
	YooMoneyReceiver string
	YooMoneyAPIURL   string
	PaymentTargets   string

	VPNClientCacheSize int
	AllowedAccounts    []int64
}

func Load() (*Config, error) {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("MONTHLY_FEE", 150)
	v.SetDefault("DEFAULT_BILL_AMOUNT", 150)
	v.SetDefault("BILL_STALE_AFTER", "10m")
	v.SetDefault("BILLING_PERIOD", "744h")
	v.SetDefault("PROVIDER_TIMEOUT", "15s")
	v.SetDefault("RECONCILE_SCHEDULE", "@every 40s")
	v.SetDefault("FEE_SCHEDULE", "@every 1h")
	v.SetDefault("YOOMONEY_API_URL", "https://yoomoney.ru")
	v.SetDefault("PAYMENT_TARGETS", "Monthly VPN subscription")
	v.SetDefault("VPN_CLIENT_CACHE_SIZE", 64)
	v.SetDefault("ALLOWED_ACCOUNTS", "")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBSource:          v.GetString("DB_SOURCE"),
		StoreDriver:       strings.ToLower(v.GetString("STORE_DRIVER")),
		Port:              v.GetString("SERVER_PORT"),
		Env:               v.GetString("ENVIRONMENT"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
		MonthlyFee:        v.GetInt64("MONTHLY_FEE"),
		BillAmount:        v.GetInt64("DEFAULT_BILL_AMOUNT"),
		BillStaleAfter:    v.GetDuration("BILL_STALE_AFTER"),
		BillingPeriod:     v.GetDuration("BILLING_PERIOD"),
		ProviderTimeout:   v.GetDuration("PROVIDER_TIMEOUT"),
		ReconcileSchedule: v.GetString("RECONCILE_SCHEDULE"),
		FeeSchedule:       v.GetString("FEE_SCHEDULE"),
		YooMoneyToken:     v.GetString("YOOMONEY_TOKEN"),
		YooMoneyReceiver:  v.GetString("YOOMONEY_RECEIVER"),
		YooMoneyAPIURL:    v.GetString("YOOMONEY_API_URL"),
		PaymentTargets:    v.GetString("PAYMENT_TARGETS"),

		VPNClientCacheSize: v.GetInt("VPN_CLIENT_CACHE_SIZE"),
	}

	allowed, err := parseIDs(v.GetString("ALLOWED_ACCOUNTS"))
	if err != nil {
		return nil, err
	}
	cfg.AllowedAccounts = allowed

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBSource == "" {
			errs = append(errs, errors.New("DB_SOURCE environment variable is required"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver))
	}
	if c.MonthlyFee <= 0 {
		errs = append(errs, errors.New("MONTHLY_FEE must be positive"))
	}
	if c.BillAmount <= 0 {
		errs = append(errs, errors.New("DEFAULT_BILL_AMOUNT must be positive"))
	}
	if c.BillStaleAfter <= 0 || c.BillingPeriod <= 0 || c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("BILL_STALE_AFTER, BILLING_PERIOD and PROVIDER_TIMEOUT must be positive durations"))
	}
	return errors.Join(errs...)
}

// parseIDs reads a comma separated list of account ids.
func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ALLOWED_ACCOUNTS: invalid account id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
