// Package config loads the service configuration from YAML with defaults
// and a few environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "CIRCULATE_CONFIG"
	Production    = "production"
)

type Config struct {
	Env        string        `yaml:"env"`
	Addr       string        `yaml:"addr"`
	SocketPath string        `yaml:"socket_path"`
	DBPath     string        `yaml:"db_path"`
	KeysFile   string        `yaml:"keys_file"`
	Log        LogConfig     `yaml:"log"`
	Redis      RedisConfig   `yaml:"redis"`
	Auth       AuthConfig    `yaml:"auth"`
	Policy     PolicyConfig  `yaml:"policy"`
	Sweeper    SweeperConfig `yaml:"sweeper"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type PolicyConfig struct {
	MaxActiveLoans     int    `yaml:"max_active_loans"`
	LoanDays           int    `yaml:"loan_days"`
	RenewDays          int    `yaml:"renew_days"`
	ReservationDays    int    `yaml:"reservation_days"`
	ReminderWindowDays int    `yaml:"reminder_window_days"`
	ReminderDedupHours int    `yaml:"reminder_dedup_hours"`
	DailyFine          string `yaml:"daily_fine"`
}

type SweeperConfig struct {
	OverdueAt   string `yaml:"overdue_at"`
	ReminderAt  string `yaml:"reminder_at"`
	Timezone    string `yaml:"timezone"`
	Interval    string `yaml:"interval"`
	LoanTimeout string `yaml:"loan_timeout"`
}

func Default() Config {
	return Config{
		Env:      Production,
		Addr:     ":7340",
		DBPath:   "circulate.db",
		KeysFile: "circulate.keys.yaml",
		Log:      LogConfig{Level: "info", Format: "text"},
		Policy: PolicyConfig{
			MaxActiveLoans:     5,
			LoanDays:           30,
			RenewDays:          30,
			ReservationDays:    7,
			ReminderWindowDays: 3,
			ReminderDedupHours: 24,
			DailyFine:          "0.5",
		},
		Sweeper: SweeperConfig{
			OverdueAt:   "01:00",
			ReminderAt:  "09:00",
			Timezone:    "UTC",
			LoanTimeout: "5s",
		},
	}
}

// Load reads path, or $CIRCULATE_CONFIG when path is empty. With neither set
// the defaults are used. Fields missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"CIRCULATE_ENV":        &c.Env,
		"CIRCULATE_ADDR":       &c.Addr,
		"CIRCULATE_DB":         &c.DBPath,
		"CIRCULATE_KEYS_FILE":  &c.KeysFile,
		"CIRCULATE_REDIS_ADDR": &c.Redis.Addr,
		"CIRCULATE_JWT_SECRET": &c.Auth.JWTSecret,
	}
	for name, dst := range overrides {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Policy.MaxActiveLoans < 1 {
		errs = append(errs, fmt.Errorf("policy.max_active_loans must be >= 1"))
	}
	for name, v := range map[string]int{
		"policy.loan_days":            c.Policy.LoanDays,
		"policy.renew_days":           c.Policy.RenewDays,
		"policy.reservation_days":     c.Policy.ReservationDays,
		"policy.reminder_window_days": c.Policy.ReminderWindowDays,
		"policy.reminder_dedup_hours": c.Policy.ReminderDedupHours,
	} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be >= 1", name))
		}
	}
	if fine, err := c.DailyFine(); err != nil {
		errs = append(errs, err)
	} else if fine.IsNegative() {
		errs = append(errs, fmt.Errorf("policy.daily_fine must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SweepInterval(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LoanTimeout(); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]string{"sweeper.overdue_at": c.Sweeper.OverdueAt, "sweeper.reminder_at": c.Sweeper.ReminderAt} {
		if _, err := time.Parse("15:04", v); err != nil {
			errs = append(errs, fmt.Errorf("%s: want HH:MM, got %q", name, v))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: want text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.Env == "" || strings.EqualFold(c.Env, Production)
}

func (c Config) DailyFine() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Policy.DailyFine)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("policy.daily_fine: %w", err)
	}
	return d, nil
}

func (c Config) Location() (*time.Location, error) {
	if c.Sweeper.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Sweeper.Timezone)
	if err != nil {
		return nil, fmt.Errorf("sweeper.timezone: %w", err)
	}
	return loc, nil
}

// SweepInterval returns the accelerated sweep period, or zero when the daily
// schedules apply. Production always uses the daily schedules.
func (c Config) SweepInterval() (time.Duration, error) {
	if c.Sweeper.Interval == "" || c.IsProduction() {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Sweeper.Interval)
	if err != nil {
		return 0, fmt.Errorf("sweeper.interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sweeper.interval must be positive")
	}
	return d, nil
}

func (c Config) LoanTimeout() (time.Duration, error) {
	if c.Sweeper.LoanTimeout == "" {
		return 5 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Sweeper.LoanTimeout)
	if err != nil {
		return 0, fmt.Errorf("sweeper.loan_timeout: %w", err)
	}
	return d, nil
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func (p PolicyConfig) LoanPeriod() time.Duration      { return days(p.LoanDays) }
func (p PolicyConfig) RenewPeriod() time.Duration     { return days(p.RenewDays) }
func (p PolicyConfig) ReservationHold() time.Duration { return days(p.ReservationDays) }
func (p PolicyConfig) ReminderWindow() time.Duration  { return days(p.ReminderWindowDays) }
func (p PolicyConfig) ReminderDedup() time.Duration   { return time.Duration(p.ReminderDedupHours) * time.Hour }

// NewLogger builds the process logger described by c.Log.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
