package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ecocycle/navigator/internal/api"
	"github.com/ecocycle/navigator/internal/scoring"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a single route offline",
	Long: `Scores one route against the configured datasets and prints the result as JSON.

The route is either an encoded polyline or a JSON request body in the same
shape POST /v1/score accepts.

Examples:
  # Score an encoded polyline
  ecocycle score --polyline '_p~iF~ps|U_ulLnnqC'

  # Score a request file, or stdin with "-"
  ecocycle score --file route.json`,
	RunE: runScore,
}

func init() {
	f := scoreCmd.Flags()
	f.String("polyline", "", "encoded polyline (precision 5)")
	f.String("file", "", `JSON score request file, "-" for stdin`)
	f.Float64("distance", 0, "route distance in meters (default: computed)")
	f.Float64("duration", 0, "route duration in seconds")
	scoreCmd.MarkFlagsMutuallyExclusive("polyline", "file")
	scoreCmd.MarkFlagsOneRequired("polyline", "file")
	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := cfg.Validate("score"); err != nil {
		return err
	}

	raw, err := scoreInput(cmd)
	if err != nil {
		return err
	}

	env, err := initScoring(ctx, cfg)
	if err != nil {
		return err
	}

	res, err := env.Aggregator.Score(ctx, raw)
	if err != nil {
		return err
	}
	return writeResult(cmd.OutOrStdout(), res)
}

// scoreInput builds the route from --polyline or --file.
func scoreInput(cmd *cobra.Command) (scoring.RawRoute, error) {
	polyline, _ := cmd.Flags().GetString("polyline")
	file, _ := cmd.Flags().GetString("file")
	distance, _ := cmd.Flags().GetFloat64("distance")
	duration, _ := cmd.Flags().GetFloat64("duration")

	req := api.ScoreRequest{Polyline: polyline, DistanceM: distance, DurationS: duration}
	if file != "" {
		var r io.Reader = cmd.InOrStdin()
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return scoring.RawRoute{}, eris.Wrapf(err, "score: open %s", file)
			}
			defer f.Close() //nolint:errcheck
			r = f
		}
		req = api.ScoreRequest{}
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return scoring.RawRoute{}, eris.Wrap(err, "score: decode request")
		}
	}
	return req.RawRoute(0)
}

func writeResult(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
