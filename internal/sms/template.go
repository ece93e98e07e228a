package sms

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Template keys.
const (
	TemplateAppointmentReminder     = "appointment_reminder"
	TemplatePaymentDue              = "payment_due"
	TemplateAppointmentConfirmation = "appointment_confirmation"
	TemplatePrescriptionReady       = "prescription_ready"
	TemplateFollowUp                = "follow_up"
)

// Template is a named message with placeholders.
type Template struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

var templates = map[string]Template{
	TemplateAppointmentReminder: {
		Key:     TemplateAppointmentReminder,
		Name:    "Appointment Reminder",
		Content: "Hello {patient_name}, this is a reminder about your appointment on {appointment_date} at {appointment_time}. Please call us if you need to reschedule.",
	},
	TemplatePaymentDue: {
		Key:     TemplatePaymentDue,
		Name:    "Payment Due",
		Content: "Hello {patient_name}, this is a reminder that you have a payment of {amount} due on {due_date}. Please contact our office for payment options.",
	},
	TemplateAppointmentConfirmation: {
		Key:     TemplateAppointmentConfirmation,
		Name:    "Appointment Confirmation",
		Content: "Hello {patient_name}, your appointment has been confirmed for {appointment_date} at {appointment_time}. We look forward to seeing you!",
	},
	TemplatePrescriptionReady: {
		Key:     TemplatePrescriptionReady,
		Name:    "Prescription Ready",
		Content: "Hello {patient_name}, your prescription is ready for pickup. Our office hours are Monday-Friday 9am-5pm.",
	},
	TemplateFollowUp: {
		Key:     TemplateFollowUp,
		Name:    "Follow-up",
		Content: "Hello {patient_name}, this is a follow-up message regarding your recent visit. Please let us know if you have any questions or concerns.",
	},
}

// Templates returns the registered templates ordered by key.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Vars fills template placeholders. Zero values render as empty strings.
type Vars struct {
	PatientName   string          `json:"patient_name"`
	AppointmentAt time.Time       `json:"appointment_at"`
	Amount        decimal.Decimal `json:"amount"`
	DueDate       time.Time       `json:"due_date"`
}

// Renderer expands templates for one clinic currency.
type Renderer struct {
	unit    currency.Unit
	printer *message.Printer
}

// NewRenderer builds a renderer for an ISO 4217 currency code. Unknown codes fall back to USD.
func NewRenderer(code string) Renderer {
	unit, err := currency.ParseISO(code)
	if err != nil {
		unit = currency.USD
	}
	return Renderer{unit: unit, printer: message.NewPrinter(language.English)}
}

// FormatAmount renders amount with the currency symbol.
func (r Renderer) FormatAmount(amount decimal.Decimal) string {
	return r.printer.Sprint(currency.Symbol(r.unit.Amount(amount.Round(2).InexactFloat64())))
}

// Render expands the template named key.
func (r Renderer) Render(key string, vars Vars) (string, error) {
	t, ok := templates[key]
	if !ok {
		return "", ErrUnknownTemplate
	}
	return r.Expand(t.Content, vars), nil
}

// Expand substitutes placeholders in free text.
func (r Renderer) Expand(content string, vars Vars) string {
	pairs := []string{"{patient_name}", vars.PatientName}
	if !vars.AppointmentAt.IsZero() {
		pairs = append(pairs,
			"{appointment_date}", vars.AppointmentAt.Format("Jan 2, 2006"),
			"{appointment_time}", vars.AppointmentAt.Format("3:04 PM"))
	}
	if !vars.Amount.IsZero() {
		pairs = append(pairs, "{amount}", r.FormatAmount(vars.Amount))
	}
	if !vars.DueDate.IsZero() {
		pairs = append(pairs, "{due_date}", vars.DueDate.Format("Jan 2, 2006"))
	}
	return strings.NewReplacer(pairs...).Replace(content)
}
