package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/gagliardetto/solana-go"

	"github.com/roborio/roborio/internal/escrow"
	"github.com/roborio/roborio/internal/validation"
)

// parseKey decodes a base58 public key flag or argument.
func parseKey(what, s string) (solana.PublicKey, error) {
	if errs := validation.Validate(validation.Required(what, s), validation.ValidAddress(what, s)); len(errs) > 0 {
		return solana.PublicKey{}, errs
	}
	return solana.PublicKeyFromBase58(s)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSOL(lamports uint64) string {
	return fmt.Sprintf("%.9g", float64(lamports)/escrow.LamportsPerSOL)
}

// styles renders for out; colours drop away when out is not a terminal.
type styles struct {
	label  lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
	border lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		label:  r.NewStyle().Bold(true).Width(14),
		header: r.NewStyle().Bold(true).Padding(0, 1),
		cell:   r.NewStyle().Padding(0, 1),
		border: r.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func (a *app) printEscrow(e *escrow.Escrow) error {
	if a.opts.jsonOut {
		return a.printJSON(e)
	}
	rows := [][2]string{
		{"escrow", e.Address.String()},
		{"status", e.Status.String()},
		{"renter", e.Renter.String()},
		{"operator", e.Operator.String()},
		{"robot", e.RobotID},
		{"amount", formatSOL(e.Amount) + " SOL"},
		{"expires", e.ExpiresAt.Format(time.RFC3339)},
	}
	if e.CancelStatus != "" && e.CancelStatus != escrow.CancelNone {
		rows = append(rows, [2]string{"cancellation", string(e.CancelStatus)})
	}
	if e.IsClosed() {
		rows = append(rows, [2]string{"closed", e.ClosedAt.Format(time.RFC3339)})
	}
	if e.LastSignature != "" {
		rows = append(rows, [2]string{"last tx", e.LastSignature})
	}

	st := newStyles(a.out)
	for _, r := range rows {
		if _, err := fmt.Fprintln(a.out, st.label.Render(r[0])+r[1]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(a.out)
	return err
}

func (a *app) printList(list []*escrow.Escrow) error {
	if a.opts.jsonOut {
		return a.printJSON(map[string]any{"escrows": list, "count": len(list)})
	}
	if len(list) == 0 {
		fmt.Fprintln(a.out, "no escrows")
		return nil
	}
	st := newStyles(a.out)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(st.border).
		Headers("ESCROW", "ROBOT", "STATUS", "CANCEL", "AMOUNT (SOL)", "EXPIRES").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.header
			}
			return st.cell
		})
	for _, e := range list {
		status := e.Status.String()
		if e.IsClosed() {
			status += " (closed)"
		}
		t.Row(e.Address.String(), e.RobotID, status, string(e.CancelStatus), formatSOL(e.Amount), e.ExpiresAt.Format(time.RFC3339))
	}
	_, err := fmt.Fprintln(a.out, t.Render())
	return err
}

func (a *app) printCreate(res *escrow.CreateResult) error {
	if a.opts.jsonOut {
		return a.printJSON(map[string]any{
			"escrow":    res.Escrow,
			"existing":  res.Existing,
			"signature": signatureString(res.Signature),
		})
	}
	if res.Existing {
		fmt.Fprintln(a.out, "an active escrow already exists for this rental; nothing submitted")
	} else {
		fmt.Fprintf(a.out, "created: %s\n", res.Signature)
	}
	return a.printEscrow(res.Escrow)
}

func (a *app) printAction(res *escrow.ActionResult) error {
	if a.opts.jsonOut {
		out := map[string]any{
			"escrow":    res.Escrow,
			"submitted": res.Submitted,
			"noop":      res.Noop,
			"signature": signatureString(res.Signature),
		}
		if f := res.FollowUp; f != nil {
			fu := map[string]any{"action": f.Action, "signature": signatureString(f.Signature)}
			if f.Err != nil {
				fu["error"] = f.Err.Error()
			}
			out["followUp"] = fu
		}
		return a.printJSON(out)
	}
	switch {
	case res.Noop:
		fmt.Fprintln(a.out, "nothing to do")
	case res.Submitted:
		fmt.Fprintf(a.out, "submitted: %s\n", res.Signature)
	default:
		fmt.Fprintln(a.out, "recorded (no transaction needed)")
	}
	if f := res.FollowUp; f != nil {
		if f.Err != nil {
			fmt.Fprintf(a.out, "%s failed: %v\n", f.Action, f.Err)
		} else {
			fmt.Fprintf(a.out, "%s: %s\n", f.Action, f.Signature)
		}
	}
	if res.Escrow != nil {
		return a.printEscrow(res.Escrow)
	}
	return nil
}

func signatureString(sig solana.Signature) string {
	if sig == (solana.Signature{}) {
		return ""
	}
	return sig.String()
}
