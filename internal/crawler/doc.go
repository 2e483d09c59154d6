// Package crawler defines the domain types shared across the frontier and
// the crawl workers: requests with deduplication keys, fetch results, and
// the provider/fetcher/publisher interfaces the rest of the system composes.
package crawler
