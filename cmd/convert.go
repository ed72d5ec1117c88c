package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/meshproc"
)

var convertCmd = &cobra.Command{
	Use:   "convert <input> <output>",
	Short: "Repair, simplify and convert a mesh between formats",
	Long:  "Formats are taken from the file extensions (obj, stl, glb, gltf) unless --from or --to is given.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, out := args[0], args[1]

		from, _ := cmd.Flags().GetString("from")
		if from == "" {
			from = filepath.Ext(in)
		}
		to, _ := cmd.Flags().GetString("to")
		if to == "" {
			to = filepath.Ext(out)
		}
		profile, _ := cmd.Flags().GetString("profile")

		var opts []meshproc.Option
		if units, _ := cmd.Flags().GetString("units"); units != "" {
			opts = append(opts, meshproc.WithUnits(units))
		}
		if cmd.Flags().Changed("tolerance") {
			tol, _ := cmd.Flags().GetFloat64("tolerance")
			opts = append(opts, meshproc.WithTolerance(tol))
		}

		data, err := readFileOrStdin(in)
		if err != nil {
			return err
		}
		converted, err := meshproc.Convert(data, from, to, profile, opts...)
		if err != nil {
			return eris.Wrap(err, "convert")
		}
		if err := os.WriteFile(out, converted, 0o644); err != nil {
			return eris.Wrapf(err, "convert: write %s", out)
		}

		zap.L().Info("mesh converted",
			zap.String("input", in),
			zap.String("output", out),
			zap.String("profile", profile),
			zap.Int("bytes_in", len(data)),
			zap.Int("bytes_out", len(converted)),
		)
		return nil
	},
}

func init() {
	convertCmd.Flags().String("from", "", "input format (default from extension)")
	convertCmd.Flags().String("to", "", "output format (default from extension)")
	convertCmd.Flags().String("profile", "clinical", "quality profile (draft, clinical, print, web)")
	convertCmd.Flags().String("units", "", "source units (mm, cm, m, in); disables heuristic rescaling")
	convertCmd.Flags().Float64("tolerance", meshproc.DefaultMergeTolerance, "vertex merge distance")
	rootCmd.AddCommand(convertCmd)
}
