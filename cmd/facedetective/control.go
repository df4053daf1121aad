package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/abihf/facedetective/protocol"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <label>",
	Short: "Start capturing face images for label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := request(cmd.Context(), protocol.ActionEnroll, map[string]string{"label": args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("Enrolling %s, look at the camera\n", res.Extras["label"])
		return nil
	},
}

var modeCmd = &cobra.Command{
	Use:       "mode <idle|recognize>",
	Short:     "Switch the live loop mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"idle", "recognize"},
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := request(cmd.Context(), protocol.ActionMode, map[string]string{"mode": args[0]})
		if err != nil {
			return err
		}
		fmt.Println("Mode:", res.Extras["mode"])
		return nil
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Turn recognition on or off",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := request(cmd.Context(), protocol.ActionToggle, nil)
		if err != nil {
			return err
		}
		fmt.Println("Mode:", res.Extras["mode"])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what the daemon is doing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := request(cmd.Context(), protocol.ActionStatus, nil)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(res.Extras))
		for k := range res.Extras {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\n", k, res.Extras[k])
		}
		return w.Flush()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Shut the daemon down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := request(cmd.Context(), protocol.ActionShutdown, nil)
		return err
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd, modeCmd, toggleCmd, statusCmd, stopCmd)
}

func request(ctx context.Context, action protocol.Action, params map[string]string) (*protocol.Res, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := protocol.Call(ctx, socketPath, protocol.NewReq(action, params))
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return res, errors.Errorf("%s (%s)", res.Error, res.Code)
	}
	return res, nil
}
