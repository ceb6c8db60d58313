// Command payoutcalc replays the payout computation for a closed contest
// from a JSON description and prints the breakdown.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipstake/clipstake/internal/domain/payout"
)

type contestFile struct {
	Start         time.Time           `json:"start"`
	End           time.Time           `json:"end"`
	WinningItemID string              `json:"winningItemId"`
	Fees          *payout.Fees        `json:"fees,omitempty"`
	Predictions   []payout.Prediction `json:"predictions"`
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		logger.Fatal().Err(err).Msg("payoutcalc failed")
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("payoutcalc", flag.ContinueOnError)
	path := fs.String("contest", "-", "contest JSON file, - for stdin")
	indent := fs.Bool("pretty", true, "indent the output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := stdin
	if *path != "-" {
		f, err := os.Open(*path)
		if err != nil {
			return fmt.Errorf("open contest: %w", err)
		}
		defer f.Close()
		in = f
	}

	var c contestFile
	dec := json.NewDecoder(in)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return fmt.Errorf("decode contest: %w", err)
	}
	if c.WinningItemID == "" {
		return errors.New("winningItemId is required")
	}
	for _, p := range c.Predictions {
		if p.ID == "" || !p.Amount.IsPositive() || !p.Amount.IsInteger() {
			return fmt.Errorf("invalid prediction %q: id and a positive whole amount are required", p.ID)
		}
	}
	fees := payout.DefaultFees()
	if c.Fees != nil {
		fees = *c.Fees
	}

	b := payout.Compute(c.Predictions, c.WinningItemID, c.Start, c.End, fees)
	out := struct {
		payout.Breakdown
		Undistributed string `json:"undistributed"`
	}{Breakdown: b, Undistributed: b.Undistributed().String()}

	enc := json.NewEncoder(stdout)
	if *indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(out)
}
