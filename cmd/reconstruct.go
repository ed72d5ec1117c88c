package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/jobs"
	"github.com/orthogenesis/recon-cli/internal/meshproc"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/reconstruction"
)

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct <image>...",
	Short: "Reconstruct a mesh from one or more radiographs",
	Long: `Runs the reconstruction pipeline synchronously and writes the mesh (GLB)
and a YAML summary. With --queue the request is persisted and handed to the
job workers instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		viewsFlag, _ := cmd.Flags().GetString("views")
		inputs, err := readRadiographs(args, viewsFlag)
		if err != nil {
			return err
		}

		modelName, _ := cmd.Flags().GetString("model")
		var seed *int64
		if cmd.Flags().Changed("seed") {
			s, _ := cmd.Flags().GetInt64("seed")
			seed = &s
		}

		if queue, _ := cmd.Flags().GetBool("queue"); queue {
			env, err := initEnv(ctx, "cli")
			if err != nil {
				return err
			}
			defer env.Close()

			rec, job, err := env.Submitter.SubmitReconstruction(ctx, jobs.Submission{Inputs: inputs, ModelName: modelName, Seed: seed})
			if err != nil {
				return eris.Wrap(err, "reconstruct")
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{
				"reconstruction_id": rec.ID,
				"job_id":            job.ID,
				"status":            job.Status,
			})
		}

		blobs := blob.NewMemory()
		reg := reconstruction.DefaultRegistry(blobs, heightmapOptions(cfg.Reconstruction))
		cal := reconstruction.NewCalibrator(cfg.Calibration.ProfileDir, cfg.Calibration.Version)
		opts := pipelineOptions(cfg.Reconstruction)
		if modelName != "" {
			opts.ModelName = modelName
		}
		if seed != nil {
			opts.Seed = *seed
		}

		p, err := reconstruction.NewPipeline(reg, cal, blobs, opts)
		if err != nil {
			return err
		}
		res, stages, err := p.RunWithProgress(ctx, inputs, func(s model.PipelineStatus) {
			zap.L().Info("pipeline stage", zap.String("stage", s.Stage), zap.Int("progress", s.Progress))
		})
		if err != nil {
			return eris.Wrap(err, "reconstruct")
		}

		out, _ := cmd.Flags().GetString("out")
		data, err := blobs.Read(ctx, res.MeshKey)
		if err != nil {
			return eris.Wrap(err, "reconstruct: read mesh")
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return eris.Wrapf(err, "reconstruct: write %s", out)
		}

		return printYAML(cmd.OutOrStdout(), map[string]any{
			"model":  p.Model().Name(),
			"mesh":   out,
			"result": res,
			"steps":  stages,
		})
	},
}

// readRadiographs loads image files. Views come from the comma-separated
// list in order, falling back to the file's base name.
func readRadiographs(paths []string, views string) ([]model.RadiographInput, error) {
	var labels []string
	for _, v := range strings.Split(views, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			labels = append(labels, v)
		}
	}

	inputs := make([]model.RadiographInput, 0, len(paths))
	for i, path := range paths {
		data, err := readFileOrStdin(path)
		if err != nil {
			return nil, err
		}
		view := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if i < len(labels) {
			view = labels[i]
		} else if path == "-" {
			view = "view-" + strconv.Itoa(i+1)
		}
		inputs = append(inputs, model.RadiographInput{
			View:        view,
			ContentType: http.DetectContentType(data),
			Data:        data,
		})
	}
	return inputs, nil
}

func readFileOrStdin(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, eris.Wrap(err, "read stdin")
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return data, nil
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List reconstruction models and post-processing profiles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := reconstruction.DefaultRegistry(blob.NewMemory(), heightmapOptions(cfg.Reconstruction))
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "Models:") //nolint:errcheck
		for _, name := range reg.Names() {
			marker := ""
			if name == cfg.Reconstruction.Model {
				marker = " (default)"
			}
			fmt.Fprintf(w, "  %s%s\n", name, marker) //nolint:errcheck
		}
		fmt.Fprintln(w, "Profiles:") //nolint:errcheck
		for _, name := range meshproc.ProfileNames() {
			fmt.Fprintf(w, "  %s\n", name) //nolint:errcheck
		}
		return nil
	},
}

func init() {
	reconstructCmd.Flags().String("views", "", "comma-separated view labels, in argument order")
	reconstructCmd.Flags().String("model", "", "model name (default from config)")
	reconstructCmd.Flags().Int64("seed", 0, "pipeline seed (default from config)")
	reconstructCmd.Flags().StringP("out", "o", "reconstruction.glb", "mesh output path")
	reconstructCmd.Flags().Bool("queue", false, "enqueue the request instead of running it")

	rootCmd.AddCommand(reconstructCmd)
	rootCmd.AddCommand(modelsCmd)
}
