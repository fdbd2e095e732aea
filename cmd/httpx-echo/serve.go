package main

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"dqx0.com/go/niohttp/httpx"
	"dqx0.com/go/niohttp/internal/obs"
)

func newServeCmd(e *env) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /<pattern>x<count> targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := httpx.NewRegistry()
			reg.Register("*", httpx.NewBufferingHandler(patternHandler{}))
			log := obs.NewZapLogger(e.log)
			srv := &httpx.Server{
				Config:   e.cfg,
				Resolver: reg,
				Logger:   log.Named("server"),
				Meter:    obs.NewOtelMeter(nil, "httpx-echo"),
			}
			e.log.Sugar().Infof("listening on %s", addr)
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

// patternHandler answers GET /<pattern>x<count> with pattern repeated count
// times and echoes the body of any other request.
type patternHandler struct{}

func (patternHandler) Handle(req *httpx.Request, body []byte) (*httpx.Response, error) {
	if req.Method != "GET" && req.Method != "HEAD" {
		resp := httpx.NewResponse(200, append([]byte{}, body...))
		resp.Header.Add("Content-Type", "text/plain")
		return resp, nil
	}
	pattern, count, ok := parsePatternPath(req.Path())
	if !ok {
		return httpx.NewResponse(400, []byte("expected /<pattern>x<count>")), nil
	}
	resp := httpx.NewResponse(200, bytes.Repeat([]byte(pattern), count))
	resp.Header.Add("Content-Type", "text/plain")
	return resp, nil
}

func parsePatternPath(path string) (string, int, bool) {
	path = strings.TrimPrefix(path, "/")
	i := strings.LastIndexByte(path, 'x')
	if i <= 0 {
		return "", 0, false
	}
	count, err := strconv.Atoi(path[i+1:])
	if err != nil || count < 0 {
		return "", 0, false
	}
	return path[:i], count, true
}
