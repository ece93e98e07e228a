package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CURRENCY", "eur")
	t.Setenv("TIMEZONE", "Europe/Berlin")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, "EUR", cfg.Currency)
	require.Equal(t, 30, cfg.PaymentTermsDays)
	require.Equal(t, 72*time.Hour, cfg.ReminderInterval)
	require.Equal(t, "Europe/Berlin", cfg.Location().String())
	require.False(t, cfg.IsProduction())

	defaults := cfg.SettingsDefaults()
	require.Equal(t, "EUR", defaults.Currency)
	require.True(t, defaults.PaymentReminders)
}

func TestLoadConfigRejectsBadClinicDefaults(t *testing.T) {
	cases := map[string]map[string]string{
		"currency":  {"CURRENCY": "XXQ"},
		"timezone":  {"TIMEZONE": "Mars/Olympus"},
		"terms":     {"PAYMENT_TERMS_DAYS": "-3"},
		"reminders": {"REMINDER_INTERVAL": "10m"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}
