package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// StatusReport is everything `execctl status` shows.
type StatusReport struct {
	GeneratedAt time.Time
	StorageOK   bool
	KillSwitch  domain.KillSwitchState
	Risk        domain.RiskSnapshot
	Runs        []domain.Run
	Orders      []domain.Order
}

// Console imprime reportes de estado para operadores.
type Console struct {
	out io.Writer
}

// NewConsole crea un Console que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un Console sobre w, para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// PrintStatus imprime cabecera, riesgo, runs y órdenes recientes.
func (c *Console) PrintStatus(r StatusReport) {
	fmt.Fprintf(c.out, "\n=== EXECUTION STATUS (%s) ===\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))

	storage := "OK"
	if !r.StorageOK {
		storage = "UNREACHABLE"
	}
	fmt.Fprintf(c.out, "  Storage:      %s\n", storage)

	if r.KillSwitch.Enabled {
		fmt.Fprintf(c.out, "  Kill-switch:  ON  (%s, since %s)\n",
			r.KillSwitch.ReasonOr("no reason"), r.KillSwitch.UpdatedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(c.out, "  Kill-switch:  OFF\n")
	}

	fmt.Fprintf(c.out, "  Daily loss:   %.2f / %.2f (%s)\n",
		r.Risk.CurrentLossAbs, r.Risk.MaxDailyLoss, pct(r.Risk.CurrentLossAbs, r.Risk.MaxDailyLoss))
	fmt.Fprintf(c.out, "  Orders/min:   %d / %d\n", r.Risk.OrdersLastMinute, r.Risk.LimitPerMinute)

	if len(r.Runs) > 0 {
		fmt.Fprintf(c.out, "\nRecent runs\n")
		table := tablewriter.NewWriter(c.out)
		table.Header("Run", "Status", "Started", "Finished", "Notes")
		for _, run := range r.Runs {
			finished := "-"
			if run.FinishedAt != nil {
				finished = run.FinishedAt.Local().Format("01-02 15:04:05")
			}
			table.Append(
				shortID(run.ID),
				string(run.Status),
				run.StartedAt.Local().Format("01-02 15:04:05"),
				finished,
				truncate(lastNote(run.Notes), 48),
			)
		}
		table.Render()
	}

	if len(r.Orders) > 0 {
		fmt.Fprintf(c.out, "\nRecent orders\n")
		table := tablewriter.NewWriter(c.out)
		table.Header("Order", "Market", "Side", "Status", "PnL", "Created")
		for _, o := range r.Orders {
			table.Append(
				shortID(o.ID),
				strings.TrimPrefix(o.Market, domain.ExecutionMarketPrefix),
				o.Side,
				string(o.Status),
				o.RealizedPnL.StringFixed(2),
				o.CreatedAt.Local().Format("01-02 15:04:05"),
			)
		}
		table.Render()
	}
}

func pct(v, limit float64) string {
	if limit <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", v/limit*100)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// lastNote devuelve el último segmento de las notas "a | b | c".
func lastNote(notes string) string {
	if i := strings.LastIndex(notes, " | "); i >= 0 {
		return notes[i+3:]
	}
	return notes
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
