package email

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/rahmatullahboss/cartsync/internal/domain"
)

// ReminderData is everything a reminder template can render: the cart
// contents, totals and, for the final stage, the discount offer.
type ReminderData struct {
	CustomerName    string
	Lines           []domain.CartLine
	Subtotal        float64
	CartTotal       float64
	DiscountCode    string
	DiscountExpires time.Time
}

var htmlBody = template.Must(template.New("reminder").Parse(`<html><body>
<p>Hi {{if .CustomerName}}{{.CustomerName}}{{else}}there{{end}},</p>
<p>You left these in your cart:</p>
<table>
{{range .Lines}}<tr><td>{{.Name}}</td><td>x{{.Quantity}}</td><td>{{printf "%.2f" .UnitPrice}}</td></tr>
{{end}}</table>
<p>Subtotal: {{printf "%.2f" .Subtotal}}<br>Total: {{printf "%.2f" .CartTotal}}</p>
{{if .DiscountCode}}<p>Use code <b>{{.DiscountCode}}</b> before {{.DiscountExpires.Format "Jan 2, 2006 3:04 PM MST"}} to save on this order.</p>{{end}}
<p>Your cart is saved and ready whenever you are.</p>
</body></html>`))

// RenderReminder produces the subject and both bodies for a reminder email.
func RenderReminder(subject string, data ReminderData) (Message, error) {
	var html strings.Builder
	if err := htmlBody.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render reminder failed: %w", err)
	}

	var text strings.Builder
	name := data.CustomerName
	if name == "" {
		name = "there"
	}
	fmt.Fprintf(&text, "Hi %s,\n\nYou left these in your cart:\n", name)
	for _, line := range data.Lines {
		fmt.Fprintf(&text, "  %s x%d @ %.2f\n", line.Name, line.Quantity, line.UnitPrice)
	}
	fmt.Fprintf(&text, "\nSubtotal: %.2f\nTotal: %.2f\n", data.Subtotal, data.CartTotal)
	if data.DiscountCode != "" {
		fmt.Fprintf(&text, "\nUse code %s before %s to save on this order.\n",
			data.DiscountCode, data.DiscountExpires.Format("Jan 2, 2006 3:04 PM MST"))
	}
	text.WriteString("\nYour cart is saved and ready whenever you are.\n")

	return Message{
		Subject: subject,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}
