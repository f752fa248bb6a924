// Package main implements faultctl, the operator CLI for a running
// faultline daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/faultline/internal/http"
)

var version = "dev"

const requestTimeout = 30 * time.Second

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the flags shared by every subcommand.
type cli struct {
	server string
	asJSON bool
	out    io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:   "faultctl",
		Short: "CLI for a running faultline daemon",
		Long: `faultctl lists captured signals, builds search queries from them,
requests fix suggestions and records feedback against a faultline daemon.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.server, "server", "http://127.0.0.1:9191", "faultline server URL")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print raw JSON responses")

	root.AddCommand(
		c.signalsCmd(),
		c.queryCmd(),
		c.suggestCmd(),
		c.feedbackCmd(),
		c.healthCmd(),
	)
	return root
}

func (c *cli) client() *resty.Client {
	return resty.New().
		SetBaseURL(c.server).
		SetTimeout(requestTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "faultctl/"+version)
}

// call performs one request and decodes the JSON result into out. Non-2xx
// responses become errors carrying the server's message.
func (c *cli) call(ctx context.Context, method, path string, body, out any) error {
	var apiErr httpserver.ErrorResponse
	req := c.client().R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = resp.Status()
		}
		return &apiError{Status: resp.StatusCode(), Message: msg}
	}
	return nil
}

// apiError is a non-2xx response from the daemon.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// isStatus reports whether err is an apiError with the given status.
func isStatus(err error, status int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == status
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
