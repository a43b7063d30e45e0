package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// BackupResult is the output of the backup command.
type BackupResult struct {
	Name     string `json:"name"`
	Target   string `json:"target"`
	Duration string `json:"duration"`
}

// NewBackupCommand returns the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write an image of the permanent store to a backup target",
		Long: `Write an image of the committed permanent content to a directory,
an S3 bucket (s3://bucket/prefix) or a MinIO bucket
(minio://host:port/bucket/prefix). The image is named
msgstore-<UTC time>.img unless --name is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = "msgstore-" + time.Now().UTC().Format("20060102T150405Z") + ".img"
			}
			return runBackup(cmd, rootOpts, target, name)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "backup target (directory or URL)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "image name")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runBackup(cmd *cobra.Command, opts *RootOptions, rawTarget, name string) error {
	ctx := cmd.Context()
	target, err := ParseTarget(ctx, rawTarget)
	if err != nil {
		return WrapExitError(ExitUsage, "invalid target", err)
	}

	m, _, err := startManager(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer func() { _ = m.Stop() }()

	began := time.Now()
	if err := m.Backup(ctx, target, name); err != nil {
		return WrapExitError(ExitFailure, "backup", err)
	}

	res := BackupResult{Name: name, Target: rawTarget, Duration: time.Since(began).Round(time.Millisecond).String()}
	f := formatter{format: opts.Format, w: cmd.OutOrStdout()}
	return f.emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s to %s in %s\n", okColor.Sprint("wrote"), res.Name, res.Target, res.Duration)
	})
}
