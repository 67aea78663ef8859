package settlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/vitalsmarket/exchange/internal/model"
)

// Summary is the outcome of one settlement run.
type Summary struct {
	RunID   string      `json:"run_id"`
	Symbol  string      `json:"symbol"`
	End     time.Time   `json:"end"`
	Settled int         `json:"settled"`
	Users   []UserFills `json:"users"`
}

// UserFills lists one user's fills in settlement order.
type UserFills struct {
	User  string       `json:"user_id"`
	Fills []model.Fill `json:"fills"`
}

// Nothing reports whether the run settled no orders.
func (s *Summary) Nothing() bool { return s.Settled == 0 }

func (s *Summary) add(fills []model.Fill) {
	for _, f := range fills {
		i := s.userIndex(f.User)
		if i < 0 {
			s.Users = append(s.Users, UserFills{User: f.User})
			i = len(s.Users) - 1
		}
		s.Users[i].Fills = append(s.Users[i].Fills, f)
		s.Settled++
	}
}

func (s *Summary) userIndex(user string) int {
	for i, u := range s.Users {
		if u.User == user {
			return i
		}
	}
	return -1
}

// Render produces the user-facing execution report: one block per user with
// "<local time>: <ACTION> <quantity> @ <price>" lines.
func (s *Summary) Render(loc *time.Location) string {
	if s.Nothing() {
		return fmt.Sprintf("No orders to execute for %s", s.Symbol)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Executed %d orders for %s", s.Settled, s.Symbol)
	for _, u := range s.Users {
		fmt.Fprintf(&b, "\n\n<@%s>", u.User)
		for _, f := range u.Fills {
			fmt.Fprintf(&b, "\n%s: %s %d @ %s",
				f.Timestamp.In(loc).Format("Jan 2 15:04"), f.Action, f.Quantity, f.Price.String())
		}
	}
	return b.String()
}
