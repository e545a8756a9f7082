package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/apiguard/pkg/monitoring"
	"github.com/NikhilSetiya/apiguard/pkg/pipeline"
)

func runRequest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the response body
	if out := strings.ToLower(cfg.Logging.Output); out == "" || out == "stdout" {
		cfg.Logging.Output = "stderr"
	}

	req, err := buildRequest(args[0], args[1])
	if err != nil {
		return err
	}

	opts := []monitoring.Option{}
	if requestLogs != "" {
		opts = append(opts, monitoring.WithClipboard(monitoring.NewWriterClipboard(cmd.ErrOrStderr())))
	}
	svc, err := monitoring.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	resp, callErr := svc.Request(cmd.Context(), req)
	if callErr == nil {
		out := cmd.OutOrStdout()
		if requestInclude {
			fmt.Fprintf(out, "HTTP %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
			fmt.Fprintf(out, "X-Apiguard-Attempts: %d\n", resp.Attempts)
			fmt.Fprintf(out, "X-Apiguard-Cache: %t\n", resp.FromCache)
			fmt.Fprintf(out, "X-Apiguard-Fallback: %t\n", resp.Fallback)
			fmt.Fprintf(out, "X-Apiguard-Duration: %s\n\n", resp.Duration)
		}
		if _, err := out.Write(resp.Body); err != nil {
			return err
		}
		if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
			fmt.Fprintln(out)
		}
	}

	if requestLogs != "" {
		if err := svc.CopyLogs(cmd.Context(), requestLogs); err != nil {
			return err
		}
	}
	return callErr
}

func buildRequest(method, path string) (*pipeline.Request, error) {
	req := pipeline.NewRequest(strings.ToUpper(method), path)
	req.Params = requestParams
	req.Cacheable = requestCache
	if requestData != "" {
		req.Body = []byte(requestData)
	}

	for _, h := range requestHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		if req.Header == nil {
			req.Header = http.Header{}
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, nil
}
