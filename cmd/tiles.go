package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/traffic"
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Fetch traffic flow tiles for a bounding box",
	Long: `Fetches every traffic flow tile covering a bounding box, prints provider
statistics and optionally writes the decoded flow lines as GeoJSON.

Example:
  ecocycle tiles --bbox 13.6,50.95,13.9,51.15 --zoom 14 --out flow.geojson`,
	RunE: runTiles,
}

func init() {
	f := tilesCmd.Flags()
	f.Float64Slice("bbox", nil, "min_lon,min_lat,max_lon,max_lat (default traffic.preload.bbox)")
	f.Int("zoom", 0, "tile zoom (default traffic.zoom)")
	f.Int("workers", 0, "concurrent fetches (default traffic.preload.workers)")
	f.String("out", "", "write flow lines to this GeoJSON file")
	rootCmd.AddCommand(tilesCmd)
}

func runTiles(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tc := cfg.Traffic
	if bbox, _ := cmd.Flags().GetFloat64Slice("bbox"); len(bbox) > 0 {
		tc.Preload.BBox = bbox
	}
	if zoom, _ := cmd.Flags().GetInt("zoom"); zoom > 0 {
		tc.Zoom = zoom
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		tc.Preload.Workers = workers
	}
	tc.Preload.Enabled = true
	cfg.Traffic = tc

	if err := cfg.Validate("tiles"); err != nil {
		return err
	}

	source := traffic.NewHTTPSource(tc.Source())
	tiles, err := preloadTiles(ctx, source, tc)
	if err != nil {
		return err
	}
	provider := traffic.NewProvider(source, nil, tiles)

	if out, _ := cmd.Flags().GetString("out"); out != "" {
		data, err := provider.FeatureCollection().MarshalJSON()
		if err != nil {
			return eris.Wrap(err, "tiles: encode geojson")
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return eris.Wrapf(err, "tiles: write %s", out)
		}
		zap.L().Info("wrote flow geojson", zap.String("path", out), zap.Int("tiles", len(tiles)))
	}

	return writeResult(cmd.OutOrStdout(), provider.Stats())
}
