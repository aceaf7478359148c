package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/dnldd/finboard/shared"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	// defaultListen is the default proxy listening address.
	defaultListen = "127.0.0.1:8080"
)

// Config is the configuration struct for the service.
type Config struct {
	// AlphaVantageKey is the Alpha Vantage API key.
	AlphaVantageKey string
	// FinnhubKey is the finnhub streaming token.
	FinnhubKey string
	// ProxyURL is the proxy endpoint serving indian equities and mutual funds.
	ProxyURL string
	// Listen is the proxy listening address.
	Listen string
	// Market is the market commands operate on.
	Market string
	// Symbols are the watched symbols. Defaults to the market's default symbols.
	Symbols []string
	// Interval is the chart interval.
	Interval string
	// PollInterval is the quote polling interval.
	PollInterval time.Duration
	// DBURL is the quote snapshot database endpoint.
	DBURL string
	// DBUser is the database user.
	DBUser string
	// DBPass is the database user pass.
	DBPass string
	// LogLevel is the logging level.
	LogLevel string

	registeredFlags map[string]bool
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.Market != "" {
		_, err := shared.ParseMarketType(cfg.Market)
		if err != nil {
			errs = errors.Join(errs, err)
		}
	}
	_, err := shared.ParseInterval(cfg.Interval)
	if err != nil {
		errs = errors.Join(errs, err)
	}
	if cfg.PollInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("poll interval cannot be negative, got %v", cfg.PollInterval))
	}
	if cfg.DBURL == "" && cfg.DBUser != "" {
		errs = errors.Join(errs, fmt.Errorf("database user provided without a database url"))
	}
	if cfg.LogLevel != "" {
		_, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("parsing log level: %w", err))
		}
	}

	return errs
}

// MarketType returns the configured market, defaulting to US equities.
func (cfg *Config) MarketType() shared.MarketType {
	market, err := shared.ParseMarketType(cfg.Market)
	if err != nil {
		return shared.US
	}

	return market
}

// registerFlag registers command line arguments of any type and tracks them to avoid reregistration.
func (cfg *Config) registerFlag(flags *pflag.FlagSet, name string, value interface{}, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	switch val.Elem().Kind() {
	case reflect.String:
		flags.StringVar(value.(*string), name, defValue, usage)
	case reflect.Int64:
		// Only handle time.Duration
		d, ok := value.(*time.Duration)
		if !ok {
			return fmt.Errorf("%s: unsupported int64 type", name)
		}
		var def time.Duration
		if defValue != "" {
			var err error
			def, err = time.ParseDuration(defValue)
			if err != nil {
				return fmt.Errorf("%s: parsing duration %q: %w", name, defValue, err)
			}
		}
		flags.DurationVar(d, name, def, usage)
	case reflect.Slice:
		// Only handle []string
		if val.Elem().Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%s: unsupported slice type", name)
		}
		var def []string
		if defValue != "" {
			def = strings.Split(defValue, ",")
		}
		flags.StringSliceVar(value.(*[]string), name, def, usage)
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadConfig loads environment variables from the provided .env file when it
// exists and registers every config field as a command line flag defaulting
// to the environment variable of the same name.
func loadConfig(cfg *Config, flags *pflag.FlagSet, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	registrations := []struct {
		name  string
		value any
		usage string
	}{
		{"alphavantagekey", &cfg.AlphaVantageKey, "the Alpha Vantage api key"},
		{"finnhubkey", &cfg.FinnhubKey, "the finnhub streaming token"},
		{"proxyurl", &cfg.ProxyURL, "the proxy url serving indian equities and mutual funds"},
		{"listen", &cfg.Listen, "the proxy listening address"},
		{"market", &cfg.Market, "the market (us, india, crypto, us-mf, india-mf)"},
		{"symbols", &cfg.Symbols, "the watched symbols"},
		{"interval", &cfg.Interval, "the chart interval (daily, weekly, monthly)"},
		{"pollinterval", &cfg.PollInterval, "the quote polling interval"},
		{"dburl", &cfg.DBURL, "the quote snapshot database url"},
		{"dbuser", &cfg.DBUser, "the database user"},
		{"dbpass", &cfg.DBPass, "the database pass"},
		{"loglevel", &cfg.LogLevel, "the logging level"},
	}

	// Register command line arguments using loaded environment variables as defaults.
	for _, r := range registrations {
		err := cfg.registerFlag(flags, r.name, r.value, r.usage)
		if err != nil {
			return err
		}
	}

	return nil
}
