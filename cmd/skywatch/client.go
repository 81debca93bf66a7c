package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	serverURL     string
	clientTimeout time.Duration
	jsonOutput    bool
)

var fpsCmd = &cobra.Command{
	Use:   "fps",
	Short: "Show the frame rate of every live camera",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var fps map[string]float64
		resp, err := newClient().R().SetResult(&fps).Get("/fps")
		if err := checkResponse(resp, err); err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(fps)
		}

		names := make([]string, 0, len(fps))
		for name := range fps {
			names = append(names, name)
		}
		sort.Strings(names)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CAMERA\tFPS")
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%.1f\n", name, fps[name])
		}
		return w.Flush()
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <camera>",
	Short: "Stop the active stream of a camera",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Message string `json:"message"`
		}
		resp, err := newClient().R().
			SetBody(map[string]string{"cameraName": args[0]}).
			SetResult(&out).
			SetError(&out).
			Post("/terminate")
		if err != nil {
			return errors.Wrap(err, "terminate")
		}
		fmt.Printf("%s: %s\n", args[0], out.Message)
		if resp.IsError() {
			return errors.Errorf("server returned %s", resp.Status())
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{fpsCmd, terminateCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:5000", "skywatch server URL")
		cmd.Flags().DurationVar(&clientTimeout, "timeout", 5*time.Second, "request timeout")
		cmd.Flags().BoolVar(&jsonOutput, "json", false, "output results as JSON")
	}
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(serverURL).
		SetTimeout(clientTimeout).
		SetHeader("Accept", "application/json")
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	if resp.IsError() {
		return errors.Errorf("server returned %s: %s", resp.Status(), resp.String())
	}
	return nil
}
