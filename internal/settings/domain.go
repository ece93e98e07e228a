package settings

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"github.com/medidesk/medidesk/internal/shared"
)

// Known setting keys.
const (
	KeyClinicName       = "clinic_name"
	KeyCurrency         = "currency"
	KeyTimezone         = "timezone"
	KeyPaymentTermsDays = "payment_terms_days"
	KeyPaymentReminders = "payment_reminders"
	KeySMSSenderID      = "sms_sender_id"
)

var (
	// ErrUnknownKey indicates a key outside the known set.
	ErrUnknownKey = fmt.Errorf("%w: unknown setting", shared.ErrValidation)
	// ErrInvalidValue indicates a value the key does not accept.
	ErrInvalidValue = fmt.Errorf("%w: invalid setting value", shared.ErrValidation)
)

var senderIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,11}$`)

type validatorFunc func(string) (string, error)

var known = map[string]validatorFunc{
	KeyClinicName: func(v string) (string, error) {
		v = strings.TrimSpace(v)
		if v == "" || len(v) > 120 {
			return "", fmt.Errorf("%w: clinic name must be 1-120 characters", ErrInvalidValue)
		}
		return v, nil
	},
	KeyCurrency: func(v string) (string, error) {
		unit, err := currency.ParseISO(strings.TrimSpace(v))
		if err != nil {
			return "", fmt.Errorf("%w: %q is not an ISO 4217 code", ErrInvalidValue, v)
		}
		return unit.String(), nil
	},
	KeyTimezone: func(v string) (string, error) {
		if _, err := time.LoadLocation(v); err != nil || v == "" {
			return "", fmt.Errorf("%w: unknown time zone %q", ErrInvalidValue, v)
		}
		return v, nil
	},
	KeyPaymentTermsDays: func(v string) (string, error) {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 || n > 365 {
			return "", fmt.Errorf("%w: payment terms must be 0-365 days", ErrInvalidValue)
		}
		return strconv.Itoa(n), nil
	},
	KeyPaymentReminders: func(v string) (string, error) {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return "", fmt.Errorf("%w: payment reminders must be true or false", ErrInvalidValue)
		}
		return strconv.FormatBool(b), nil
	},
	KeySMSSenderID: func(v string) (string, error) {
		if !senderIDPattern.MatchString(v) {
			return "", fmt.Errorf("%w: sender id must be 1-11 letters or digits", ErrInvalidValue)
		}
		return v, nil
	},
}

// Known reports whether key is a recognised setting.
func Known(key string) bool {
	_, ok := known[key]
	return ok
}

// Normalize validates value for key and returns its canonical form.
func Normalize(key, value string) (string, error) {
	check, ok := known[key]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, key)
	}
	return check(value)
}

// Defaults are used for keys never written.
type Defaults struct {
	ClinicName       string
	Currency         string
	Timezone         string
	PaymentTermsDays int
	PaymentReminders bool
	SMSSenderID      string
}

func (d Defaults) values() map[string]string {
	return map[string]string{
		KeyClinicName:       d.ClinicName,
		KeyCurrency:         d.Currency,
		KeyTimezone:         d.Timezone,
		KeyPaymentTermsDays: strconv.Itoa(d.PaymentTermsDays),
		KeyPaymentReminders: strconv.FormatBool(d.PaymentReminders),
		KeySMSSenderID:      d.SMSSenderID,
	}
}
