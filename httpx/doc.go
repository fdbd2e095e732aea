// Package httpx is a non-blocking HTTP/1.0 and HTTP/1.1 engine. Connections
// are multiplexed over a small number of I/O loops; each connection is driven
// by an explicit state machine that resumes on socket readiness instead of
// blocking a goroutine.
//
// Server side, requests are routed by a HandlerResolver to a Handler that
// receives the request head, the body content as it arrives and a completion
// callback. The response may be submitted later from any goroutine through
// Exchange.SubmitResponse. BufferingHandler adapts a plain
// request-to-response function:
//
//	reg := httpx.NewRegistry()
//	reg.Register("/hello", httpx.NewBufferingHandler(httpx.SyncHandlerFunc(
//	    func(req *httpx.Request, body []byte) (*httpx.Response, error) {
//	        return httpx.NewResponse(200, []byte("hello")), nil
//	    })))
//	srv := &httpx.Server{Config: httpx.DefaultConfig(), Resolver: reg}
//	if err := srv.ListenAndServe(ctx, ":8080"); err != nil { log.Fatal(err) }
//
// Client side, a connection takes Work from a Queue whenever it becomes idle
// and reports each outcome through Work.Completed:
//
//	c := &httpx.Client{Config: httpx.DefaultConfig()}
//	if err := c.Start(ctx); err != nil { log.Fatal(err) }
//	cc, err := c.Connect("127.0.0.1:8080", nil).Wait(ctx)
//	if err != nil { log.Fatal(err) }
//	w := httpx.NewRequestWork(httpx.NewRequest("GET", "/hello", nil))
//	cc.Execute(w)
//	resp, err := w.Wait(ctx)
//
// Keep-alive is decided per exchange by a ReuseStrategy. Logging and metrics
// go through the Logger and Meter interfaces of internal/obs; spans and
// traceparent propagation use OpenTelemetry.
package httpx
