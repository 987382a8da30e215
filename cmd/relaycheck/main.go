// Command relaycheck probes a running relayd instance and reports its
// health, readiness and relay stats. Intended for deployment checks and
// cron-driven monitoring; exits non-zero when any probe fails.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	base := flag.String("url", "http://127.0.0.1:8080", "base URL of the relayd instance")
	timeout := flag.Duration("timeout", 3*time.Second, "per-probe timeout")
	stats := flag.Bool("stats", false, "also fetch and print /v1/stats")
	flag.Parse()

	c := &fasthttp.Client{
		ReadTimeout:  *timeout,
		WriteTimeout: *timeout,
	}

	failed := false
	for _, path := range []string{"/healthz", "/readyz"} {
		status, _, err := probe(c, *base+path, *timeout)
		switch {
		case err != nil:
			fmt.Printf("%-9s error: %v\n", path, err)
			failed = true
		case status != fasthttp.StatusOK:
			fmt.Printf("%-9s HTTP %d\n", path, status)
			failed = true
		default:
			fmt.Printf("%-9s ok\n", path)
		}
	}

	if *stats {
		status, body, err := probe(c, *base+"/v1/stats", *timeout)
		if err != nil || status != fasthttp.StatusOK {
			fmt.Printf("/v1/stats unavailable (status=%d err=%v)\n", status, err)
			failed = true
		} else {
			fmt.Printf("/v1/stats %s\n", body)
		}
	}

	if failed {
		os.Exit(1)
	}
}

func probe(c *fasthttp.Client, url string, timeout time.Duration) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	if err := c.DoTimeout(req, resp, timeout); err != nil {
		return 0, nil, err
	}
	body := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}
