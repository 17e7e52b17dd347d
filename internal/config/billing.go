package config

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// BillingConfig carries the tunables of the settlement engine. It is
// reloaded at runtime; readers must call Get for every operation instead
// of caching the value.
type BillingConfig struct {
	Currency             string        `mapstructure:"currency"`
	GracePeriodDays      int           `mapstructure:"gracePeriodDays"`
	InvoiceDueDays       int           `mapstructure:"invoiceDueDays"`
	ReminderDays         []int         `mapstructure:"reminderDays"`
	CyclePeriod          string        `mapstructure:"cyclePeriod"`
	MaxLockAge           time.Duration `mapstructure:"maxLockAge"`
	IdempotencyRetention time.Duration `mapstructure:"idempotencyRetention"`
	MaxSettlementRetries int           `mapstructure:"maxSettlementRetries"`
	Rates                []RateConfig  `mapstructure:"rates"`
}

// RateConfig prices one usage category in its normalized unit.
type RateConfig struct {
	Category string `mapstructure:"category"`
	Unit     string `mapstructure:"unit"`
	PerUnit  string `mapstructure:"perUnit"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Currency:             "USD",
		GracePeriodDays:      14,
		InvoiceDueDays:       7,
		ReminderDays:         []int{1, 7, 13},
		CyclePeriod:          "1M",
		MaxLockAge:           10 * time.Minute,
		IdempotencyRetention: 30 * 24 * time.Hour,
		MaxSettlementRetries: 3,
		Rates: []RateConfig{
			{Category: "bandwidth", Unit: "GB", PerUnit: "0.10"},
			{Category: "storage", Unit: "GB", PerUnit: "0.02"},
			{Category: "compute", Unit: "hour", PerUnit: "0.05"},
		},
	}
}

// GracePeriod is the window between a failed settlement and suspension.
func (c BillingConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

func (c BillingConfig) InvoiceDue() time.Duration {
	return time.Duration(c.InvoiceDueDays) * 24 * time.Hour
}

// Period parses CyclePeriod. Validation guarantees it succeeds for any
// config handed out by a holder.
func (c BillingConfig) Period() CyclePeriod {
	period, err := ParseCyclePeriod(c.CyclePeriod)
	if err != nil {
		return CyclePeriod{Months: 1}
	}
	return period
}

// CyclePeriod is either a number of calendar months or a number of days.
type CyclePeriod struct {
	Months int
	Days   int
}

// ParseCyclePeriod accepts "<n>M" for calendar months and "<n>d" for days.
func ParseCyclePeriod(raw string) (CyclePeriod, error) {
	value := strings.TrimSpace(raw)
	if len(value) < 2 {
		return CyclePeriod{}, fmt.Errorf("invalid cycle period %q", raw)
	}
	n, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || n <= 0 {
		return CyclePeriod{}, fmt.Errorf("invalid cycle period %q", raw)
	}
	switch value[len(value)-1] {
	case 'M':
		return CyclePeriod{Months: n}, nil
	case 'd', 'D':
		return CyclePeriod{Days: n}, nil
	default:
		return CyclePeriod{}, fmt.Errorf("invalid cycle period unit %q", raw)
	}
}

// Next returns the end boundary of the period starting at start.
// Month arithmetic clamps to the last day of shorter months.
func (p CyclePeriod) Next(start time.Time) time.Time {
	if p.Months <= 0 {
		return start.AddDate(0, 0, p.Days)
	}
	year, month, day := start.Date()
	target := time.Date(year, month+time.Month(p.Months), 1, start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
	lastDay := target.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(target.Year(), target.Month(), day, start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed config without file watching.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/settlement")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setBillingDefaults(v, DefaultBillingConfig())

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := ValidateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func setBillingDefaults(v *viper.Viper, defaults BillingConfig) {
	rates := make([]map[string]any, 0, len(defaults.Rates))
	for _, rate := range defaults.Rates {
		rates = append(rates, map[string]any{
			"category": rate.Category,
			"unit":     rate.Unit,
			"perUnit":  rate.PerUnit,
		})
	}
	v.SetDefault("billing.currency", defaults.Currency)
	v.SetDefault("billing.gracePeriodDays", defaults.GracePeriodDays)
	v.SetDefault("billing.invoiceDueDays", defaults.InvoiceDueDays)
	v.SetDefault("billing.reminderDays", defaults.ReminderDays)
	v.SetDefault("billing.cyclePeriod", defaults.CyclePeriod)
	v.SetDefault("billing.maxLockAge", defaults.MaxLockAge.String())
	v.SetDefault("billing.idempotencyRetention", defaults.IdempotencyRetention.String())
	v.SetDefault("billing.maxSettlementRetries", defaults.MaxSettlementRetries)
	v.SetDefault("billing.rates", rates)
}

func ValidateBillingConfig(cfg BillingConfig) error {
	if strings.TrimSpace(cfg.Currency) == "" {
		return errors.New("billing.currency cannot be empty")
	}
	if cfg.GracePeriodDays <= 0 {
		return errors.New("billing.gracePeriodDays must be positive")
	}
	if cfg.InvoiceDueDays <= 0 {
		return errors.New("billing.invoiceDueDays must be positive")
	}
	for _, day := range cfg.ReminderDays {
		if day < 0 || day >= cfg.GracePeriodDays {
			return fmt.Errorf("billing.reminderDays entry %d outside grace period", day)
		}
	}
	if _, err := ParseCyclePeriod(cfg.CyclePeriod); err != nil {
		return err
	}
	if cfg.MaxLockAge <= 0 {
		return errors.New("billing.maxLockAge must be positive")
	}
	if cfg.IdempotencyRetention < 30*24*time.Hour {
		return errors.New("billing.idempotencyRetention must be at least 30 days")
	}
	if cfg.MaxSettlementRetries <= 0 {
		return errors.New("billing.maxSettlementRetries must be positive")
	}
	if len(cfg.Rates) == 0 {
		return errors.New("billing.rates cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Rates))
	for _, rate := range cfg.Rates {
		category := strings.ToLower(strings.TrimSpace(rate.Category))
		if category == "" {
			return errors.New("billing.rates category cannot be empty")
		}
		if _, ok := seen[category]; ok {
			return fmt.Errorf("billing.rates duplicate category %q", category)
		}
		seen[category] = struct{}{}
		price, err := decimal.NewFromString(strings.TrimSpace(rate.PerUnit))
		if err != nil {
			return fmt.Errorf("billing.rates %q: invalid perUnit: %w", category, err)
		}
		if price.IsNegative() {
			return fmt.Errorf("billing.rates %q: perUnit cannot be negative", category)
		}
	}
	return nil
}
