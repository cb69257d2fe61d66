package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/econsim/day-engine/internal/client"
	"github.com/econsim/day-engine/internal/model"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printHeader(msg string) {
	accent.Println(msg)
}

func formatMoney(v decimal.Decimal) string {
	return v.StringFixed(2)
}

// colorSigned renders gains green and losses red.
func colorSigned(v decimal.Decimal) string {
	s := formatMoney(v)
	switch v.Sign() {
	case 1:
		return success.Sprint("+" + s)
	case -1:
		return danger.Sprint(s)
	}
	return neutral.Sprint(s)
}

func formatAllocation(a model.Allocation) string {
	if len(a) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(a))
	for _, asset := range model.AssetClasses {
		if w, ok := a[asset]; ok && !w.IsZero() {
			parts = append(parts, fmt.Sprintf("%s=%s", asset, w.String()))
		}
	}
	return strings.Join(parts, " ")
}

func printLedger(l model.ParticipantLedger) {
	printHeader(fmt.Sprintf("%s (%s)", l.ID, l.Name))
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "balance\t%s\n", formatMoney(l.Balance))
	fmt.Fprintf(tw, "allocation\t%s\n", formatAllocation(l.SubmittedAllocation))
	if l.LastSubmissionDay == model.NeverSubmitted {
		fmt.Fprintf(tw, "last submission\tnever\n")
	} else {
		fmt.Fprintf(tw, "last submission\tday %d\n", l.LastSubmissionDay)
	}
	fmt.Fprintf(tw, "absent today\t%t\n", l.AbsentToday)
	for _, asset := range model.AssetClasses {
		fmt.Fprintf(tw, "  %s\t%s\n", asset, formatMoney(l.Portfolio[asset]))
	}
	tw.Flush()
}

func printSettings(s model.MarketSettings) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "day\t%d\n", s.Day)
	fmt.Fprintf(tw, "stocks\t%s%%\n", s.StockReturn.String())
	fmt.Fprintf(tw, "bonds\t%s%%\n", s.BondReturn.String())
	fmt.Fprintf(tw, "crypto\t%s%%\n", s.CryptoReturn.String())
	fmt.Fprintf(tw, "real estate\t%s%%\n", s.RealEstateReturn.String())
	fmt.Fprintf(tw, "rent\t%s\n", formatMoney(s.Rent))
	tw.Flush()
}

// parseAllocation reads "asset=weight" pairs, e.g. "stocks=60 bonds=40".
func parseAllocation(args []string) (model.Allocation, error) {
	alloc := make(model.Allocation, len(args))
	for _, arg := range args {
		name, weight, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected asset=weight, got %q", arg)
		}
		w, err := decimal.NewFromString(strings.TrimSpace(weight))
		if err != nil {
			return nil, fmt.Errorf("invalid weight for %s: %w", name, err)
		}
		alloc[model.AssetClass(strings.TrimSpace(name))] = w
	}
	return alloc, nil
}

// explain prints extra detail for API errors that carry it.
func explain(err error) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && len(apiErr.Failed) > 0 {
		printWarn("Unsettled participants: " + strings.Join(apiErr.Failed, ", "))
		printWarn("Run `classctl advance` again to retry them.")
	}
}
