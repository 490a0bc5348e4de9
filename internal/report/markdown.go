package report

import (
	"fmt"
	"strings"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	sb.WriteString("# Holder Report\n\n")
	if r.Checkpoint != nil {
		sb.WriteString(fmt.Sprintf("Checkpoint: block %d, tx %d, log %d (%s)\n\n",
			r.Checkpoint.BlockNumber, r.Checkpoint.TxIndex, r.Checkpoint.LogIndex, r.Checkpoint.TxHash.Hex()))
	} else {
		sb.WriteString("Checkpoint: none\n\n")
	}

	// Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Holders | %d |\n", r.HolderCount))
	sb.WriteString(fmt.Sprintf("| Accounts with positive balance | %d |\n", r.CountedHolders))
	sb.WriteString("\n")
	if !r.Consistent() {
		sb.WriteString("**Holder counter does not match account balances.**\n\n")
	}

	// Daily history
	sb.WriteString("## Daily Holders\n\n")
	if len(r.Days) == 0 {
		sb.WriteString("No snapshots in range.\n\n")
	} else {
		sb.WriteString("| Day | Holders | Transfers | Volume |\n")
		sb.WriteString("|-----|---------|-----------|--------|\n")
		for _, d := range r.Days {
			sb.WriteString(fmt.Sprintf("| %s | %d | %d | %s |\n", d.Date, d.Holders, d.Transfers, d.Volume.String()))
		}
		sb.WriteString("\n")
	}

	// Top balances
	if len(r.TopAccounts) > 0 {
		sb.WriteString("## Top Balances\n\n")
		sb.WriteString("| # | Account | Balance |\n")
		sb.WriteString("|---|---------|---------|\n")
		for i, a := range r.TopAccounts {
			sb.WriteString(fmt.Sprintf("| %d | %s | %s |\n", i+1, a.Address.Hex(), a.Balance.String()))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
