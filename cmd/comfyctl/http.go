package main

import (
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

// httpClientWithRetry builds the retrying HTTP client every fetch/download
// path uses, wrapped back down to a plain *http.Client so it satisfies
// fetch.HTTPDoer/handler.HTTPDoer without leaking retry internals into
// those packages.
func httpClientWithRetry() *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil
	return client.StandardClient()
}
