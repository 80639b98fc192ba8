package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cartrouter/internal/router"
)

var (
	routeFile     string
	routeOptimize string
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Route one cart and print the decision as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		env, err := initApp(ctx, "route")
		if err != nil {
			return err
		}
		defer env.Close()

		wait := env.startWorkers(ctx)
		defer func() {
			cancel()
			_ = wait()
		}()

		in, err := openInput(routeFile)
		if err != nil {
			return err
		}
		defer in.Close() //nolint:errcheck

		return runRoute(ctx, env.Router, in, routeOptimize, cmd.OutOrStdout())
	},
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open request %s", path)
	}
	return f, nil
}

// runRoute decodes a routing request from in and writes the decision, or the
// structured routing error, to out.
func runRoute(ctx context.Context, r *router.Router, in io.Reader, optimize string, out io.Writer) error {
	var req router.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return eris.Wrap(err, "decode request")
	}
	if optimize != "" {
		req.OptimizeFor = optimize
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	dec, err := r.Route(ctx, req)
	if err != nil {
		var rerr *router.Error
		if errors.As(err, &rerr) {
			_ = enc.Encode(map[string]any{
				"error":   rerr.Code,
				"message": rerr.Message,
				"details": rerr.Details,
			})
		}
		return err
	}
	return enc.Encode(dec)
}

func init() {
	routeCmd.Flags().StringVarP(&routeFile, "file", "f", "", "request JSON file (default stdin)")
	routeCmd.Flags().StringVar(&routeOptimize, "optimize", "", "optimization mode: price, speed, margin or balanced")
	rootCmd.AddCommand(routeCmd)
}
