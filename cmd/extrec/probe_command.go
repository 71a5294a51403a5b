package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	extrec "github.com/wagiedev/external-recorder-go"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	var (
		device  string
		inputID int
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show a recorder's protocol version and capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			device, inputID, err := ctx.recorderTarget(device, inputID)
			if err != nil {
				return err
			}

			log, err := ctx.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			opts, err := ctx.recorderOptions(log)
			if err != nil {
				return err
			}

			return extrec.WithHandler(cmd.Context(), device, inputID, func(h *extrec.Handler) error {
				fmt.Fprintln(cmd.OutOrStdout(), renderProbe(h))

				return nil
			}, opts...)
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "Recorder program and arguments")
	cmd.Flags().IntVarP(&inputID, "input-id", "i", 0, "Input id passed to the recorder")

	return cmd
}

// probeInfo is the subset of a handler shown by probe.
type probeInfo interface {
	Command() extrec.RecorderCommand
	APIVersion() int
	Description() string
	Capabilities() extrec.Capabilities
	State() extrec.State
}

func renderProbe(h probeInfo) string {
	caps := h.Capabilities()

	description := h.Description()
	if description == "" {
		description = "-"
	}

	rows := [][]string{
		{"Command", h.Command().String()},
		{"API version", strconv.Itoa(h.APIVersion())},
		{"Description", description},
		{"Tuner", yesNo(caps.HasTuner)},
		{"Picture attributes", yesNo(caps.HasPictureAttributes)},
		{"Flow control", caps.FlowControl.String()},
		{"State", h.State().String()},
	}

	return renderTable([]string{"Property", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
}
