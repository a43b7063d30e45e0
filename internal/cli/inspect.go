package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hupe1980/msgstore/durable"
)

// StoreSizeResult is the size of one object store.
type StoreSizeResult struct {
	Min       int64 `json:"min"`
	Max       int64 `json:"max"`
	Used      int64 `json:"used"`
	Unlimited bool  `json:"unlimited,omitempty"`
}

// InspectResult is the output of the inspect command.
type InspectResult struct {
	Engine      string          `json:"engine"`
	Incarnation string          `json:"incarnation"`
	Backend     string          `json:"backend"`
	LogSize     int64           `json:"log_size"`
	LogUsed     int64           `json:"log_used"`
	Permanent   StoreSizeResult `json:"permanent"`
	Temporary   StoreSizeResult `json:"temporary"`
	Streams     int             `json:"streams"`
	Indoubt     int             `json:"indoubt"`
}

// NewInspectCommand returns the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show ownership, sizes and in-doubt work of a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, rootOpts)
		},
	}
}

func runInspect(cmd *cobra.Command, opts *RootOptions) error {
	m, cfg, err := startManager(cmd.Context(), cmd, opts)
	if err != nil {
		return err
	}
	defer func() { _ = m.Stop() }()

	inc, err := m.Incarnation()
	if err != nil {
		return err
	}
	sizes, err := m.Sizes()
	if err != nil {
		return err
	}
	root, err := m.ReadRootPersistable()
	if err != nil {
		return err
	}
	streams, err := m.ReadStreams(root)
	if err != nil {
		return err
	}
	xids, err := m.ReadIndoubtXIDs()
	if err != nil {
		return err
	}

	res := InspectResult{
		Engine:      cfg.EngineUUID,
		Incarnation: inc.String(),
		Backend:     string(cfg.Backend),
		LogSize:     sizes.LogSize,
		LogUsed:     sizes.LogUsed,
		Permanent:   sizeResult(sizes.Permanent),
		Temporary:   sizeResult(sizes.Temporary),
		Streams:     len(streams),
		Indoubt:     len(xids),
	}
	f := formatter{format: opts.Format, w: cmd.OutOrStdout()}
	return f.emit(res, func(w io.Writer) {
		field(w, "engine", res.Engine)
		field(w, "incarnation", res.Incarnation)
		field(w, "backend", res.Backend)
		field(w, "log", fmt.Sprintf("size=%d used=%d", res.LogSize, res.LogUsed))
		field(w, "permanent", formatStoreSize(res.Permanent))
		field(w, "temporary", formatStoreSize(res.Temporary))
		field(w, "streams", res.Streams)
		if res.Indoubt > 0 {
			field(w, "in-doubt", warnColor.Sprint(res.Indoubt))
		} else {
			field(w, "in-doubt", res.Indoubt)
		}
	})
}

func sizeResult(s durable.StoreSize) StoreSizeResult {
	return StoreSizeResult{Min: s.Min, Max: s.Max, Used: s.Used, Unlimited: s.Unlimited}
}

func formatStoreSize(s StoreSizeResult) string {
	if s.Unlimited {
		return fmt.Sprintf("min=%d max=unlimited used=%d", s.Min, s.Used)
	}
	return fmt.Sprintf("min=%d max=%d used=%d", s.Min, s.Max, s.Used)
}
