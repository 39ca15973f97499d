package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"hotel-price-watch/internal/model"
)

const messageTemplates = `
{{define "price_drop.subject"}}Price drop: {{.HotelID}} now {{yen .CurrentPrice}} (-{{.PercentDelta}}%){{end}}
{{define "price_drop.body"}}Hi {{.Name}},

The price for {{.HotelID}} ({{.Stay}}, {{.Occupancy}} guests) dropped from {{yen .PreviousPrice}} to {{yen .CurrentPrice}}.
You save {{yen .PriceDelta}} ({{.PercentDelta}}%).
{{template "footer" .}}{{end}}

{{define "target_price_reached.subject"}}Target price reached: {{.HotelID}} at {{yen .CurrentPrice}}{{end}}
{{define "target_price_reached.body"}}Hi {{.Name}},

{{.HotelID}} ({{.Stay}}, {{.Occupancy}} guests) is now {{yen .CurrentPrice}}{{if .TargetPrice}}, at or below your target of {{yen .TargetPrice}}{{end}}.
{{template "footer" .}}{{end}}

{{define "new_availability.subject"}}Rooms available: {{.HotelID}}{{end}}
{{define "new_availability.body"}}Hi {{.Name}},

Rooms at {{.HotelID}} ({{.Stay}}, {{.Occupancy}} guests) are bookable again at {{yen .CurrentPrice}}.
{{template "footer" .}}{{end}}

{{define "last_room.subject"}}Only {{.Rooms}} room{{if ne .Rooms 1}}s{{end}} left: {{.HotelID}}{{end}}
{{define "last_room.body"}}Hi {{.Name}},

Only {{.Rooms}} room{{if ne .Rooms 1}}s are{{else}} is{{end}} left at {{.HotelID}} ({{.Stay}}, {{.Occupancy}} guests) for {{yen .CurrentPrice}}.
{{template "footer" .}}{{end}}

{{define "daily_digest.subject"}}Your hotel price summary: {{len .Alerts}} alert{{if ne (len .Alerts) 1}}s{{end}}{{end}}
{{define "daily_digest.body"}}Hi {{.Name}},

Here is what changed in the last 24 hours:
{{range .Alerts}}
- [{{.Type}}] {{.HotelID}} {{.Stay}}: {{yen .CurrentPrice}}{{if .PreviousPrice}} (was {{yen .PreviousPrice}}){{end}} at {{.ObservedAt}}{{end}}
{{template "footer" .}}{{end}}

{{define "footer"}}
You are receiving this because you watch this stay on hotelwatch.{{end}}
`

var templates = template.Must(template.New("messages").Funcs(template.FuncMap{
	"yen": formatYen,
}).Parse(messageTemplates))

// messageData is the display data passed to the templates.
type messageData struct {
	Name          string
	Type          model.AlertType
	HotelID       string
	Stay          string
	Occupancy     int
	CurrentPrice  decimal.Decimal
	PreviousPrice *decimal.Decimal
	PriceDelta    decimal.Decimal
	PercentDelta  string
	TargetPrice   *decimal.Decimal
	Rooms         int
	ObservedAt    string
}

type digestData struct {
	Name   string
	Alerts []messageData
}

func newMessageData(alert model.Alert, item model.WatchItem, obs model.Observation) messageData {
	rooms := 0
	if obs.RemainingRooms != nil {
		rooms = *obs.RemainingRooms
	}
	return messageData{
		Name:          displayName(item.UserName, item.UserEmail),
		Type:          alert.Type,
		HotelID:       alert.Target.HotelID,
		Stay:          stay(alert.Target),
		Occupancy:     alert.Target.Occupancy,
		CurrentPrice:  alert.CurrentPrice,
		PreviousPrice: alert.PreviousPrice,
		PriceDelta:    alert.PriceDelta,
		PercentDelta:  alert.PercentDelta.StringFixed(0),
		TargetPrice:   item.TargetPrice,
		Rooms:         rooms,
		ObservedAt:    alert.ObservedAt.UTC().Format(time.RFC3339),
	}
}

func renderAlert(alert model.Alert, item model.WatchItem, obs model.Observation) (string, string, error) {
	return render(string(alert.Type), newMessageData(alert, item, obs))
}

func renderDigest(name string, entries []model.DigestEntry) (string, string, error) {
	data := digestData{Name: name}
	for _, e := range entries {
		data.Alerts = append(data.Alerts, messageData{
			Type:          e.Alert.Type,
			HotelID:       e.Alert.Target.HotelID,
			Stay:          stay(e.Alert.Target),
			Occupancy:     e.Alert.Target.Occupancy,
			CurrentPrice:  e.Alert.CurrentPrice,
			PreviousPrice: e.Alert.PreviousPrice,
			PriceDelta:    e.Alert.PriceDelta,
			PercentDelta:  e.Alert.PercentDelta.StringFixed(0),
			ObservedAt:    e.Alert.ObservedAt.UTC().Format("2006-01-02 15:04 MST"),
		})
	}
	return render(string(model.AlertDailyDigest), data)
}

func render(name string, data any) (string, string, error) {
	var subject, body bytes.Buffer
	if err := templates.ExecuteTemplate(&subject, name+".subject", data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := templates.ExecuteTemplate(&body, name+".body", data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", name, err)
	}
	return strings.TrimSpace(subject.String()), strings.TrimSpace(body.String()) + "\n", nil
}

func stay(t model.Target) string {
	return t.CheckIn.Format(model.DateLayout) + " to " + t.CheckOut.Format(model.DateLayout)
}

func displayName(name, email string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return "there"
}

// formatYen renders an amount as ¥12,345. Accepts decimal values or pointers.
func formatYen(v any) string {
	var d decimal.Decimal
	switch x := v.(type) {
	case decimal.Decimal:
		d = x
	case *decimal.Decimal:
		if x == nil {
			return "-"
		}
		d = *x
	default:
		return fmt.Sprint(v)
	}

	s := d.Abs().StringFixed(0)
	var b strings.Builder
	if d.IsNegative() {
		b.WriteByte('-')
	}
	b.WriteString("¥")
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}
