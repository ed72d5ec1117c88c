package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/orthogenesis/recon-cli/internal/export"
	"github.com/orthogenesis/recon-cli/internal/mesh"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Create, list, fetch and verify mesh exports",
}

// -- export create --

var exportCreateCmd = &cobra.Command{
	Use:   "create <reconstruction-id>",
	Short: "Export a completed reconstruction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		format, _ := cmd.Flags().GetString("format")
		if async, _ := cmd.Flags().GetBool("async"); async {
			job, err := env.Submitter.SubmitExport(ctx, args[0], format)
			if err != nil {
				return eris.Wrap(err, "export create")
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{"job_id": job.ID, "status": job.Status})
		}

		artifact, err := env.Exporter.Export(ctx, args[0], format)
		if err != nil {
			return eris.Wrap(err, "export create")
		}
		return printYAML(cmd.OutOrStdout(), artifact)
	},
}

// -- export list --

var exportListCmd = &cobra.Command{
	Use:   "list <reconstruction-id>",
	Short: "List a reconstruction's export artifacts, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Exporter.List(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "export list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No exports found.")
			return nil
		}
		formatArtifacts(cmd.OutOrStdout(), list, time.Now())
		return nil
	},
}

// -- export fetch --

var exportFetchCmd = &cobra.Command{
	Use:   "fetch <artifact-id>",
	Short: "Download a live export artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		artifact, data, err := env.Exporter.Fetch(ctx, args[0])
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			f, err := mesh.ParseFormat(artifact.Format)
			if err != nil {
				return err
			}
			out = fmt.Sprintf("model-%s-v%d.%s", artifact.ReconstructionID, artifact.Version, f.Extension())
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return eris.Wrapf(err, "export fetch: write %s", out)
		}
		return printYAML(cmd.OutOrStdout(), map[string]any{
			"file":            out,
			"checksum_sha256": artifact.ChecksumSHA256,
			"signature":       artifact.Signature,
		})
	},
}

// -- export verify --

var exportVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Check a downloaded export against its checksum and signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		checksum, _ := cmd.Flags().GetString("checksum")
		signature, _ := cmd.Flags().GetString("signature")
		if checksum == "" || signature == "" {
			return eris.New("export verify: --checksum and --signature are required")
		}
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = cfg.Export.Secret
		}

		data, err := readFileOrStdin(args[0])
		if err != nil {
			return err
		}
		if err := export.VerifyArtifact(data, checksum, signature, []byte(secret)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", args[0]) //nolint:errcheck
		return nil
	},
}

func init() {
	exportCreateCmd.Flags().String("format", "stl", "export format (stl, obj, gltf)")
	exportCreateCmd.Flags().Bool("async", false, "enqueue an export job instead of exporting now")

	exportFetchCmd.Flags().StringP("out", "o", "", "output path (default model-<id>-v<version>.<ext>)")

	exportVerifyCmd.Flags().String("checksum", "", "hex SHA-256 recorded for the artifact")
	exportVerifyCmd.Flags().String("signature", "", "hex HMAC-SHA256 signature recorded for the artifact")
	exportVerifyCmd.Flags().String("secret", "", "signing secret (default from config)")

	exportCmd.AddCommand(exportCreateCmd)
	exportCmd.AddCommand(exportListCmd)
	exportCmd.AddCommand(exportFetchCmd)
	exportCmd.AddCommand(exportVerifyCmd)
	rootCmd.AddCommand(exportCmd)
}
