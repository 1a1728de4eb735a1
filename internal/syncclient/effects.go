package syncclient

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"tableside/internal/logging"

	"go.uber.org/zap"
)

// LogEffects logs alerts and writes kitchen tickets as plain text.
type LogEffects struct {
	Logger *zap.Logger
	Out    io.Writer

	mu sync.Mutex
}

func (e *LogEffects) Alert(n Notification) {
	logging.OrNop(e.Logger).Info("notification",
		zap.String("id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("order_id", n.OrderID),
		zap.Int("table_no", n.TableNo),
		zap.Int("items", len(n.Items)),
	)
}

func (e *LogEffects) PrintTicket(n Notification) {
	if e.Out == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = io.WriteString(e.Out, FormatTicket(n))
}

// FormatTicket renders the kitchen ticket for a notification.
func FormatTicket(n Notification) string {
	var b strings.Builder
	title := "NEW ORDER"
	if n.Type == NotifyAddedItems {
		title = "ADDED ITEMS"
	}
	b.WriteString("================================\n")
	fmt.Fprintf(&b, "%s\n", title)
	if n.TableNo > 0 {
		fmt.Fprintf(&b, "Table %d\n", n.TableNo)
	} else {
		b.WriteString("Takeaway\n")
	}
	fmt.Fprintf(&b, "Order %s\n", shortID(n.OrderID))
	if n.Customer != "" {
		fmt.Fprintf(&b, "Guest %s\n", n.Customer)
	}
	fmt.Fprintf(&b, "%s\n", n.ReceivedAt.Local().Format("2006-01-02 15:04:05"))
	b.WriteString("--------------------------------\n")
	for _, item := range n.Items {
		name := item.Name
		if item.ItemCode != "" {
			name = item.ItemCode + " " + name
		}
		fmt.Fprintf(&b, "%3dx %s\n", item.Quantity, name)
	}
	b.WriteString("================================\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
