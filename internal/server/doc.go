// Package server hosts the local diagnostics API. It builds a Fiber app with
// recover and request-id middleware, mounts the download, image-cache and
// catalog routes from the routes package, and exposes Prometheus metrics.
// The API binds to loopback only and is meant for inspection while the
// storefront loop runs, so keep exports narrow and accept explicit
// dependencies.
package server
