// Package crawler holds the batch runner that walks a frontier, the per-item
// outcome model, and the interfaces the runner and scheduler depend on
// (fetchers, detectors, extractors, sinks, identity rotation).
package crawler
