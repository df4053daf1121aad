package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrainFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "train"}
	f := cmd.Flags()
	f.String("dataset", "", "")
	f.Int("epochs", 0, "")
	f.Int("batch-size", 0, "")
	f.Float64("learning-rate", 0, "")
	f.Bool("daemon", false, "")
	return cmd
}

func TestCheckDaemonFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"daemon only", []string{"--daemon"}, ""},
		{"dataset", []string{"--daemon", "--dataset", "faces"}, "--dataset"},
		{"epochs", []string{"--daemon", "--epochs", "5"}, "--epochs"},
		{"batch size", []string{"--daemon", "--batch-size", "8"}, "--batch-size"},
		{"learning rate", []string{"--daemon", "--learning-rate", "0.001"}, "--learning-rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newTrainFlagsCmd()
			require.NoError(t, cmd.ParseFlags(tt.args))

			err := checkDaemonFlags(cmd)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
