// Package api exposes the REST surface for submitting behavior runs,
// querying their progress, and scraping operational metrics.
package api
