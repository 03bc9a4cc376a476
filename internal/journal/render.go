package journal

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.Korean)

// Render formats a report as markdown.
func Render(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Trading journal %s\n\n", r.Date.Format(time.DateOnly))
	renderSummary(&b, r.Summary)

	for i, t := range r.Trades {
		b.WriteString("---\n\n")
		renderTrade(&b, i+1, t)
	}

	b.WriteString("---\n\n")
	b.WriteString("## Portfolio\n\n")
	fmt.Fprintf(&b, "- Cash: %s\n", krw(r.Cash))
	fmt.Fprintf(&b, "- Equity: %s\n", krw(r.Equity))
	for _, p := range r.Positions {
		fmt.Fprintf(&b, "- %s: %s shares @ %s\n", p.Symbol, printer.Sprintf("%d", p.Quantity), krw(p.AvgPrice))
	}
	return b.String()
}

func renderSummary(b *strings.Builder, s Summary) {
	symbols := strings.Join(s.Symbols[:min(3, len(s.Symbols))], ", ")
	if len(s.Symbols) > 3 {
		symbols += fmt.Sprintf(" and %d more", len(s.Symbols)-3)
	}

	b.WriteString("## Summary\n\n")
	b.WriteString("| Item | Value |\n|------|-------|\n")
	fmt.Fprintf(b, "| Orders | %d (buy %d, sell %d) |\n", s.Trades, s.Buys, s.Sells)
	fmt.Fprintf(b, "| Commission | %s |\n", krw(s.Commission))
	fmt.Fprintf(b, "| Symbols | %s |\n", symbols)
	fmt.Fprintf(b, "| Strategy | %s |\n\n", s.Strategy)
}

func renderTrade(b *strings.Builder, idx int, t Trade) {
	o := t.Order
	fmt.Fprintf(b, "## #%d %s %s\n\n", idx, o.Symbol, o.Side)
	fmt.Fprintf(b, "**Time:** %s | **Strategy:** %s | **Confidence:** %d%% | **Status:** %s\n\n",
		o.CreatedAt.Format(time.TimeOnly), t.Strategy, int(t.Confidence*100), o.Status)

	b.WriteString("### Reason\n\n")
	fmt.Fprintf(b, "> %s\n\n", t.Reason)

	if len(t.Before) != 0 {
		b.WriteString("### Before entry (1m)\n\n")
		b.WriteString("| Time | Open | High | Low | Close | Volume |\n")
		b.WriteString("|------|------|------|-----|-------|--------|\n")
		entry := o.CreatedAt.Truncate(time.Minute)
		for _, c := range t.Before {
			row := []string{c.OpenTime.Format("15:04"), krw(c.Open), krw(c.High), krw(c.Low), krw(c.Close), printer.Sprintf("%d", c.Volume)}
			if c.OpenTime.Equal(entry) {
				for i := range row {
					row[i] = "**" + row[i] + "**"
				}
				fmt.Fprintf(b, "| %s | <- entry\n", strings.Join(row, " | "))
				continue
			}
			fmt.Fprintf(b, "| %s |\n", strings.Join(row, " | "))
		}
		b.WriteString("\n")
	}

	avg := t.AvgFillPrice()
	b.WriteString("### Execution\n\n")
	fmt.Fprintf(b, "- Type: %s\n", o.Type)
	fmt.Fprintf(b, "- Average price: %s\n", krw(avg))
	fmt.Fprintf(b, "- Quantity: %d / %d\n", t.FilledQuantity(), o.Quantity)
	fmt.Fprintf(b, "- Notional: %s\n", krw(avg.Mul(decimal.NewFromInt(t.FilledQuantity()))))
	fmt.Fprintf(b, "- Commission: %s\n\n", krw(t.Commission()))

	if len(t.After) != 0 {
		b.WriteString("### After entry (5m)\n\n")
		b.WriteString("| Time | Close | Change |\n|------|-------|--------|\n")
		for _, c := range t.After {
			fmt.Fprintf(b, "| %s | %s | %s |\n", c.OpenTime.Format("15:04"), krw(c.Close), change(c.Close, avg))
		}
		b.WriteString("\n")
	}
}

func change(price, entry decimal.Decimal) string {
	if !entry.IsPositive() {
		return "-"
	}
	pct := price.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	sign := ""
	if !pct.IsNegative() {
		sign = "+"
	}
	return sign + pct.StringFixed(2) + "%"
}

func krw(v decimal.Decimal) string {
	return printer.Sprintf("%d KRW", v.IntPart())
}
